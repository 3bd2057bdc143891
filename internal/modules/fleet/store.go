// README: Read-only fleet directory backed by PostgreSQL through sqlx.
package fleet

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"fleetdispatch/internal/types"
)

// Directory resolves drivers and vehicles. Implementations are read-only.
type Directory interface {
	Driver(ctx context.Context, id types.ID) (*Driver, error)
	Vehicle(ctx context.Context, id types.ID) (*Vehicle, error)
	Vehicles(ctx context.Context) ([]Vehicle, error)
}

type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const getDriverQuery = `SELECT id, name, contact, active FROM drivers WHERE id = $1`

func (s *Store) Driver(ctx context.Context, id types.ID) (*Driver, error) {
	var d Driver
	if err := s.db.GetContext(ctx, &d, getDriverQuery, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDriverNotFound
		}
		return nil, err
	}
	return &d, nil
}

const getVehicleQuery = `SELECT id, label, plate, capacity, active FROM vehicles WHERE id = $1`

func (s *Store) Vehicle(ctx context.Context, id types.ID) (*Vehicle, error) {
	var v Vehicle
	if err := s.db.GetContext(ctx, &v, getVehicleQuery, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVehicleNotFound
		}
		return nil, err
	}
	return &v, nil
}

const listVehiclesQuery = `SELECT id, label, plate, capacity, active FROM vehicles WHERE active ORDER BY label`

func (s *Store) Vehicles(ctx context.Context) ([]Vehicle, error) {
	var out []Vehicle
	if err := s.db.SelectContext(ctx, &out, listVehiclesQuery); err != nil {
		return nil, err
	}
	return out, nil
}
