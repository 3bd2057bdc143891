// README: Driver and vehicle records from the fleet directory.
package fleet

import (
	"errors"

	"fleetdispatch/internal/types"
)

var (
	ErrDriverNotFound  = errors.New("driver not found")
	ErrVehicleNotFound = errors.New("vehicle not found")
	ErrInactive        = errors.New("fleet record is inactive")
)

type Driver struct {
	ID      types.ID `db:"id" json:"id"`
	Name    string   `db:"name" json:"name"`
	Contact string   `db:"contact" json:"contact"`
	Active  bool     `db:"active" json:"active"`
}

type Vehicle struct {
	ID       types.ID `db:"id" json:"id"`
	Label    string   `db:"label" json:"label"`
	Plate    string   `db:"plate" json:"plate"`
	Capacity *int     `db:"capacity" json:"capacity,omitempty"`
	Active   bool     `db:"active" json:"active"`
}

// Seats returns the vehicle's passenger capacity, or def when none is recorded.
func (v *Vehicle) Seats(def int) int {
	if v == nil || v.Capacity == nil || *v.Capacity <= 0 {
		return def
	}
	return *v.Capacity
}
