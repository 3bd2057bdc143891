// README: Dispatch store backed by PostgreSQL. Every multi-record write runs in one transaction.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetdispatch/internal/types"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const (
	uniqueViolation     = "23505"
	oneOpenRequestIndex = "idx_trip_requests_one_open"
)

const requestColumns = `
	id, passenger_id, passenger_name, passenger_contact, origin, destination, other_destination,
	status, driver_id, driver_name, vehicle_id, vehicle_label, trip_id,
	created_at, accepted_at, started_at, completed_at, cancelled_at, rejected_at`

func scanRequest(row pgx.Row) (*TripRequest, error) {
	var r TripRequest
	var driverID, vehicleID, tripID *string
	err := row.Scan(
		&r.ID, &r.PassengerID, &r.PassengerName, &r.PassengerContact, &r.Origin, &r.Destination, &r.OtherDestination,
		&r.Status, &driverID, &r.DriverName, &vehicleID, &r.VehicleLabel, &tripID,
		&r.CreatedAt, &r.AcceptedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt, &r.RejectedAt,
	)
	if err != nil {
		return nil, err
	}
	r.DriverID = toIDPtr(driverID)
	r.VehicleID = toIDPtr(vehicleID)
	r.TripID = toIDPtr(tripID)
	return &r, nil
}

func collectRequests(rows pgx.Rows) ([]*TripRequest, error) {
	defer rows.Close()
	var out []*TripRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateRequest(ctx context.Context, r *TripRequest) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trip_requests (
			id, passenger_id, passenger_name, passenger_contact,
			origin, destination, other_destination, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(r.ID), string(r.PassengerID), r.PassengerName, r.PassengerContact,
		r.Origin, r.Destination, r.OtherDestination, string(r.Status), r.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == oneOpenRequestIndex {
		return ErrActiveRequest
	}
	return err
}

func (s *PGStore) GetRequest(ctx context.Context, id types.ID) (*TripRequest, error) {
	return getRequest(ctx, s.db, id)
}

func getRequest(ctx context.Context, q querier, id types.ID) (*TripRequest, error) {
	r, err := scanRequest(q.QueryRow(ctx, `SELECT `+requestColumns+` FROM trip_requests WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PGStore) ListPending(ctx context.Context, since time.Time) ([]*TripRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+requestColumns+`
		FROM trip_requests
		WHERE status = 'pending' AND created_at >= $1
		ORDER BY created_at, id`, since)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (s *PGStore) ListByDriver(ctx context.Context, driverID types.ID, status RequestStatus) ([]*TripRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+requestColumns+`
		FROM trip_requests
		WHERE driver_id = $1 AND status = $2
		ORDER BY created_at, id`, string(driverID), string(status))
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (s *PGStore) ListByPassenger(ctx context.Context, passengerID types.ID) ([]*TripRequest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+requestColumns+`
		FROM trip_requests
		WHERE passenger_id = $1
		ORDER BY created_at, id`, string(passengerID))
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (s *PGStore) ListResponses(ctx context.Context, requestID types.ID) ([]Response, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, request_id, driver_id, passenger_id, destination, response, responded_at
		FROM driver_responses
		WHERE request_id = $1
		ORDER BY id`, string(requestID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Response
	for rows.Next() {
		var resp Response
		if err := rows.Scan(&resp.ID, &resp.RequestID, &resp.DriverID, &resp.PassengerID,
			&resp.Destination, &resp.Response, &resp.RespondedAt); err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

// lockDriver serializes capacity-sensitive writes for one driver until the
// transaction ends.
func lockDriver(ctx context.Context, tx pgx.Tx, driverID types.ID) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, string(driverID))
	return err
}

func appendResponse(ctx context.Context, tx pgx.Tx, r *TripRequest, driverID types.ID, kind ResponseKind, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO driver_responses (request_id, driver_id, passenger_id, destination, response, responded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(r.ID), string(driverID), string(r.PassengerID), r.DisplayDestination(), string(kind), at,
	)
	return err
}

func (s *PGStore) AcceptRequest(ctx context.Context, p AcceptParams) (*TripRequest, error) {
	var out *TripRequest
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockDriver(ctx, tx, p.DriverID); err != nil {
			return err
		}
		var held int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM trip_requests
			WHERE driver_id = $1 AND status = 'accepted_by_driver'`,
			string(p.DriverID)).Scan(&held); err != nil {
			return err
		}
		if held >= p.Capacity {
			return ErrCapacityExceeded
		}

		r, err := scanRequest(tx.QueryRow(ctx, `
			UPDATE trip_requests
			SET status = 'accepted_by_driver',
			    driver_id = $2, driver_name = $3,
			    vehicle_id = $4, vehicle_label = $5,
			    accepted_at = $6
			WHERE id = $1 AND status = 'pending'
			RETURNING `+requestColumns,
			string(p.RequestID), string(p.DriverID), p.DriverName,
			string(p.VehicleID), p.VehicleLabel, p.At,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := getRequest(ctx, tx, p.RequestID); gerr != nil {
				return gerr
			}
			return ErrAlreadyAccepted
		}
		if err != nil {
			return err
		}
		if err := appendResponse(ctx, tx, r, p.DriverID, ResponseAccepted, p.At); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (s *PGStore) RejectRequest(ctx context.Context, id, driverID types.ID, at time.Time) (*TripRequest, error) {
	var out *TripRequest
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		r, err := scanRequest(tx.QueryRow(ctx, `
			UPDATE trip_requests
			SET status = 'rejected', rejected_at = $2
			WHERE id = $1 AND status = 'pending'
			RETURNING `+requestColumns, string(id), at))
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := getRequest(ctx, tx, id); gerr != nil {
				return gerr
			}
			return ErrNotPending
		}
		if err != nil {
			return err
		}
		if err := appendResponse(ctx, tx, r, driverID, ResponseRejected, at); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (s *PGStore) CancelRequest(ctx context.Context, id, passengerID types.ID, at time.Time) (*TripRequest, error) {
	r, err := scanRequest(s.db.QueryRow(ctx, `
		UPDATE trip_requests
		SET status = 'cancelled', cancelled_at = $3
		WHERE id = $1 AND passenger_id = $2 AND status = 'pending'
		RETURNING `+requestColumns, string(id), string(passengerID), at))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.GetRequest(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if cur.PassengerID != passengerID {
			return nil, ErrForbidden
		}
		return nil, ErrNotPending
	}
	return r, err
}

func (s *PGStore) CreateTrip(ctx context.Context, p BatchParams) (*Trip, bool, error) {
	var (
		out     *Trip
		created bool
	)
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := lockDriver(ctx, tx, p.DriverID); err != nil {
			return err
		}
		if p.IdempotencyKey != "" {
			var existing string
			err := tx.QueryRow(ctx, `
				SELECT id FROM trips WHERE driver_id = $1 AND idempotency_key = $2`,
				string(p.DriverID), p.IdempotencyKey).Scan(&existing)
			if err == nil {
				t, err := getTrip(ctx, tx, types.ID(existing), false)
				out = t
				return err
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}

		only := make([]string, 0, len(p.RequestIDs))
		for _, id := range p.RequestIDs {
			only = append(only, string(id))
		}
		rows, err := tx.Query(ctx, `
			SELECT `+requestColumns+`
			FROM trip_requests
			WHERE driver_id = $1 AND status = 'accepted_by_driver'
			  AND (cardinality($2::text[]) = 0 OR id = ANY($2::text[]))
			ORDER BY created_at, id
			FOR UPDATE`, string(p.DriverID), only)
		if err != nil {
			return err
		}
		eligible, err := collectRequests(rows)
		if err != nil {
			return err
		}
		if len(eligible) == 0 {
			return ErrNoAcceptedRequests
		}
		if len(eligible) > p.Capacity {
			return ErrCapacityExceeded
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO trips (
				id, driver_id, driver_name, vehicle_id, vehicle_label,
				status, idempotency_key, departed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			string(p.TripID), string(p.DriverID), p.DriverName, string(p.VehicleID), p.VehicleLabel,
			string(TripInProgress), nullIfEmpty(p.IdempotencyKey), p.At,
		); err != nil {
			return err
		}

		ids := make([]string, len(eligible))
		for i, r := range eligible {
			ids[i] = string(r.ID)
			if _, err := tx.Exec(ctx, `
				INSERT INTO trip_stops (trip_id, position, request_id, passenger_name, destination, delivery_status)
				VALUES ($1, $2, $3, $4, $5, 'pending')`,
				string(p.TripID), i, string(r.ID), r.PassengerName, r.DisplayDestination(),
			); err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx, `
			UPDATE trip_requests
			SET status = 'in_trip', trip_id = $1, started_at = $2
			WHERE id = ANY($3::text[]) AND status = 'accepted_by_driver'`,
			string(p.TripID), p.At, ids)
		if err != nil {
			return err
		}
		if int(tag.RowsAffected()) != len(ids) {
			return fmt.Errorf("start requests: %d of %d updated: %w", tag.RowsAffected(), len(ids), ErrInvalidState)
		}

		t, err := getTrip(ctx, tx, p.TripID, false)
		if err != nil {
			return err
		}
		out, created = t, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *PGStore) GetTrip(ctx context.Context, id types.ID) (*Trip, error) {
	return getTrip(ctx, s.db, id, false)
}

func getTrip(ctx context.Context, q querier, id types.ID, forUpdate bool) (*Trip, error) {
	query := `
		SELECT id, driver_id, driver_name, vehicle_id, vehicle_label,
		       status, COALESCE(idempotency_key, ''), departed_at, arrived_at
		FROM trips WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var t Trip
	err := q.QueryRow(ctx, query, string(id)).Scan(
		&t.ID, &t.DriverID, &t.DriverName, &t.VehicleID, &t.VehicleLabel,
		&t.Status, &t.IdempotencyKey, &t.DepartedAt, &t.ArrivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT request_id, passenger_name, destination, delivery_status, delivered_at
		FROM trip_stops
		WHERE trip_id = $1
		ORDER BY position`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var st Stop
		if err := rows.Scan(&st.RequestID, &st.PassengerName, &st.Destination, &st.DeliveryStatus, &st.DeliveredAt); err != nil {
			return nil, err
		}
		t.Stops = append(t.Stops, st)
	}
	return &t, rows.Err()
}

func (s *PGStore) ActiveTripByDriver(ctx context.Context, driverID types.ID) (*Trip, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT id FROM trips
		WHERE driver_id = $1 AND status = 'in_progress'
		ORDER BY departed_at DESC
		LIMIT 1`, string(driverID)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetTrip(ctx, types.ID(id))
}

func (s *PGStore) MarkDelivered(ctx context.Context, tripID types.ID, ref StopRef, at time.Time) (*Trip, bool, error) {
	var (
		out     *Trip
		changed bool
	)
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		t, err := getTrip(ctx, tx, tripID, true)
		if err != nil {
			return err
		}
		idx := t.StopIndex(ref)
		if idx < 0 {
			return ErrStopNotFound
		}
		if t.Stops[idx].DeliveryStatus == DeliveryDelivered {
			out = t
			return nil
		}
		if t.Status != TripInProgress {
			return ErrInvalidState
		}
		if _, err := tx.Exec(ctx, `
			UPDATE trip_stops
			SET delivery_status = 'delivered', delivered_at = $3
			WHERE trip_id = $1 AND position = $2 AND delivery_status = 'pending'`,
			string(tripID), idx, at); err != nil {
			return err
		}
		t.Stops[idx].DeliveryStatus = DeliveryDelivered
		t.Stops[idx].DeliveredAt = timePtr(at)
		out, changed = t, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

func (s *PGStore) CompleteTrip(ctx context.Context, tripID types.ID, at time.Time) (*Trip, bool, error) {
	var (
		out     *Trip
		changed bool
	)
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		t, err := getTrip(ctx, tx, tripID, true)
		if err != nil {
			return err
		}
		if t.Status == TripCompleted {
			out = t
			return nil
		}
		if pending := t.PendingStops(); len(pending) > 0 {
			return &DeliveriesIncompleteError{Pending: pending}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE trips SET status = 'completed', arrived_at = $2
			WHERE id = $1 AND status = 'in_progress'`, string(tripID), at); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE trip_requests
			SET status = 'completed', completed_at = $2
			WHERE trip_id = $1 AND status = 'in_trip'`, string(tripID), at)
		if err != nil {
			return err
		}
		if int(tag.RowsAffected()) != len(t.Stops) {
			return fmt.Errorf("complete requests: %d of %d updated: %w", tag.RowsAffected(), len(t.Stops), ErrInvalidState)
		}

		t.Status = TripCompleted
		t.ArrivedAt = timePtr(at)
		out, changed = t, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

func toIDPtr(s *string) *types.ID {
	if s == nil {
		return nil
	}
	id := types.ID(*s)
	return &id
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
