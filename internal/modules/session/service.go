// README: Session service validates vehicle selection against the fleet directory.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetdispatch/internal/modules/fleet"
	"fleetdispatch/internal/types"
)

type Service struct {
	store Store
	dir   fleet.Directory
	ttl   time.Duration
	now   func() time.Time
}

func NewService(store Store, dir fleet.Directory, ttl time.Duration) *Service {
	return &Service{store: store, dir: dir, ttl: ttl, now: time.Now}
}

// Select records vehicleID as the driver's vehicle until the TTL elapses.
func (s *Service) Select(ctx context.Context, driverID, vehicleID types.ID) (*Session, error) {
	if driverID == "" || vehicleID == "" {
		return nil, fmt.Errorf("%w: driver and vehicle id required", ErrBadRequest)
	}
	if _, err := s.dir.Driver(ctx, driverID); err != nil {
		return nil, err
	}
	v, err := s.dir.Vehicle(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	if !v.Active {
		return nil, fmt.Errorf("vehicle %s: %w", vehicleID, fleet.ErrInactive)
	}

	now := s.now().UTC()
	sess := Session{
		DriverID:     driverID,
		VehicleID:    v.ID,
		VehicleLabel: v.Label,
		SelectedAt:   now,
		ExpiresAt:    now.Add(s.ttl),
	}
	if err := s.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return &sess, nil
}

// Vehicles lists the active vehicles a driver can select, by label.
func (s *Service) Vehicles(ctx context.Context) ([]fleet.Vehicle, error) {
	return s.dir.Vehicles(ctx)
}

func (s *Service) Current(ctx context.Context, driverID types.ID) (*Session, error) {
	return s.store.Get(ctx, driverID)
}

func (s *Service) Clear(ctx context.Context, driverID types.ID) error {
	return s.store.Delete(ctx, driverID)
}

// VehicleFor reports the driver's selected vehicle, if the session is live.
func (s *Service) VehicleFor(ctx context.Context, driverID types.ID) (types.ID, bool, error) {
	sess, err := s.store.Get(ctx, driverID)
	if errors.Is(err, ErrNoSession) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sess.VehicleID, true, nil
}
