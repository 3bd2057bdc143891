// README: Store contract for requests, trips and the driver response log.
package dispatch

import (
	"context"
	"time"

	"fleetdispatch/internal/types"
)

// Store owns every status write. Each mutating method is a single atomic unit:
// it either applies all of its records or none of them.
type Store interface {
	// CreateRequest returns ErrActiveRequest when the passenger already has a
	// request that is not terminal.
	CreateRequest(ctx context.Context, r *TripRequest) error
	GetRequest(ctx context.Context, id types.ID) (*TripRequest, error)
	// ListPending returns pending requests created at or after since, oldest first.
	ListPending(ctx context.Context, since time.Time) ([]*TripRequest, error)
	ListByDriver(ctx context.Context, driverID types.ID, status RequestStatus) ([]*TripRequest, error)
	ListByPassenger(ctx context.Context, passengerID types.ID) ([]*TripRequest, error)
	ListResponses(ctx context.Context, requestID types.ID) ([]Response, error)

	// AcceptRequest counts the driver's accepted requests against Capacity and
	// moves the request from pending to accepted_by_driver, as one step.
	AcceptRequest(ctx context.Context, p AcceptParams) (*TripRequest, error)
	RejectRequest(ctx context.Context, id, driverID types.ID, at time.Time) (*TripRequest, error)
	CancelRequest(ctx context.Context, id, passengerID types.ID, at time.Time) (*TripRequest, error)

	// CreateTrip batches the driver's eligible accepted requests into a new trip.
	// created is false when an existing trip was returned for the idempotency key.
	CreateTrip(ctx context.Context, p BatchParams) (trip *Trip, created bool, err error)
	GetTrip(ctx context.Context, id types.ID) (*Trip, error)
	ActiveTripByDriver(ctx context.Context, driverID types.ID) (*Trip, error)
	// MarkDelivered returns changed=false when the stop was already delivered.
	MarkDelivered(ctx context.Context, tripID types.ID, ref StopRef, at time.Time) (trip *Trip, changed bool, err error)
	// CompleteTrip closes the trip and every originating request together.
	// changed is false when the trip was already completed.
	CompleteTrip(ctx context.Context, tripID types.ID, at time.Time) (trip *Trip, changed bool, err error)
}

type AcceptParams struct {
	RequestID    types.ID
	DriverID     types.ID
	DriverName   string
	VehicleID    types.ID
	VehicleLabel string
	Capacity     int
	At           time.Time
}

type BatchParams struct {
	TripID       types.ID
	DriverID     types.ID
	DriverName   string
	VehicleID    types.ID
	VehicleLabel string
	Capacity     int
	// RequestIDs restricts the batch to this snapshot when non-empty. Ids that
	// are no longer eligible are left out.
	RequestIDs     []types.ID
	IdempotencyKey string
	At             time.Time
}
