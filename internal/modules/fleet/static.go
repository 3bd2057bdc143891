// README: In-memory fleet directory for the memory backend and tests.
package fleet

import (
	"context"
	"sort"
	"sync"

	"fleetdispatch/internal/types"
)

type StaticDirectory struct {
	// OpenDrivers makes unknown driver ids resolve to an active driver named
	// after the id. Local runs authenticate with trusted headers only.
	OpenDrivers bool

	mu       sync.RWMutex
	drivers  map[types.ID]Driver
	vehicles map[types.ID]Vehicle
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		drivers:  make(map[types.ID]Driver),
		vehicles: make(map[types.ID]Vehicle),
	}
}

func (d *StaticDirectory) PutDriver(v Driver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drivers[v.ID] = v
}

func (d *StaticDirectory) PutVehicle(v Vehicle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vehicles[v.ID] = v
}

func (d *StaticDirectory) Driver(_ context.Context, id types.ID) (*Driver, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.drivers[id]
	if !ok {
		if d.OpenDrivers && id != "" {
			return &Driver{ID: id, Name: string(id), Active: true}, nil
		}
		return nil, ErrDriverNotFound
	}
	return &v, nil
}

func (d *StaticDirectory) Vehicle(_ context.Context, id types.ID) (*Vehicle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.vehicles[id]
	if !ok {
		return nil, ErrVehicleNotFound
	}
	return &v, nil
}

func (d *StaticDirectory) Vehicles(_ context.Context) ([]Vehicle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Vehicle, 0, len(d.vehicles))
	for _, v := range d.vehicles {
		if v.Active {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

// Seed builds a directory from fixed rows; used by the memory backend.
func Seed(drivers []Driver, vehicles []Vehicle) *StaticDirectory {
	d := NewStaticDirectory()
	for _, v := range drivers {
		d.PutDriver(v)
	}
	for _, v := range vehicles {
		d.PutVehicle(v)
	}
	return d
}
