// README: Trip batching, per-stop delivery and completion.
package dispatch

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fleetdispatch/internal/types"
)

type StartTripCommand struct {
	DriverID  types.ID
	VehicleID types.ID
	// RequestIDs is the accepted set the driver saw. Empty means all of them.
	RequestIDs     []types.ID
	IdempotencyKey string
}

type DeliverCommand struct {
	TripID   types.ID
	DriverID types.ID
	Stop     StopRef
}

type CompleteTripCommand struct {
	TripID   types.ID
	DriverID types.ID
}

// StartTrip freezes the driver's accepted requests into a trip. The batch is
// re-validated against the store; stale ids from the caller are dropped.
func (s *Service) StartTrip(ctx context.Context, cmd StartTripCommand) (*Trip, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.StartTrip", trace.WithAttributes(
		attribute.String("driver.id", string(cmd.DriverID)),
		attribute.Int("trip.requested_stops", len(cmd.RequestIDs)),
	))
	defer span.End()

	driver, err := s.driver(ctx, cmd.DriverID)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	vehicle, err := s.vehicle(ctx, cmd.DriverID, cmd.VehicleID)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	trip, created, err := s.store.CreateTrip(ctx, BatchParams{
		TripID:         types.NewID(),
		DriverID:       driver.ID,
		DriverName:     driver.Name,
		VehicleID:      vehicle.ID,
		VehicleLabel:   vehicle.Label,
		Capacity:       vehicle.Seats(s.cfg.DefaultCapacity),
		RequestIDs:     cmd.RequestIDs,
		IdempotencyKey: cmd.IdempotencyKey,
		At:             s.now(),
	})
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("trip.id", string(trip.ID)), attribute.Bool("trip.created", created))
	if !created {
		s.log.InfoContext(ctx, "trip start replayed", "trip_id", trip.ID, "driver_id", driver.ID)
		return trip, nil
	}

	s.metrics.tripStarted(len(trip.Stops))
	s.log.InfoContext(ctx, "trip started", "trip_id", trip.ID, "driver_id", driver.ID, "stops", len(trip.Stops))
	ids := make([]string, len(trip.Stops))
	for i, st := range trip.Stops {
		ids[i] = string(st.RequestID)
	}
	s.emit(ctx, Event{
		Type:   EventTripStarted,
		TripID: trip.ID,
		Payload: map[string]any{
			"driver_id":     string(trip.DriverID),
			"vehicle_label": trip.VehicleLabel,
			"request_ids":   ids,
		},
	})
	return trip, nil
}

func (s *Service) MarkDelivered(ctx context.Context, cmd DeliverCommand) (*Trip, error) {
	if err := s.ownTrip(ctx, cmd.TripID, cmd.DriverID); err != nil {
		return nil, err
	}
	trip, changed, err := s.store.MarkDelivered(ctx, cmd.TripID, cmd.Stop, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return trip, nil
	}
	st := trip.Stops[trip.StopIndex(cmd.Stop)]
	s.log.InfoContext(ctx, "stop delivered", "trip_id", trip.ID, "request_id", st.RequestID)
	s.emit(ctx, Event{
		Type:      EventStopDelivered,
		TripID:    trip.ID,
		RequestID: st.RequestID,
		Payload:   map[string]any{"destination": st.Destination},
	})
	return trip, nil
}

// CompleteTrip closes a fully delivered trip together with its requests.
// Completing an already completed trip succeeds without writing.
func (s *Service) CompleteTrip(ctx context.Context, cmd CompleteTripCommand) (*Trip, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.CompleteTrip", trace.WithAttributes(
		attribute.String("trip.id", string(cmd.TripID)),
	))
	defer span.End()

	if err := s.ownTrip(ctx, cmd.TripID, cmd.DriverID); err != nil {
		endSpan(span, err)
		return nil, err
	}
	trip, changed, err := s.store.CompleteTrip(ctx, cmd.TripID, s.now())
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	if !changed {
		return trip, nil
	}

	s.metrics.tripCompleted()
	s.log.InfoContext(ctx, "trip completed", "trip_id", trip.ID, "stops", len(trip.Stops))
	s.emit(ctx, Event{
		Type:    EventTripCompleted,
		TripID:  trip.ID,
		Payload: map[string]any{"driver_id": string(trip.DriverID)},
	})
	for _, st := range trip.Stops {
		payload := map[string]any{"destination": st.Destination}
		if r, err := s.store.GetRequest(ctx, st.RequestID); err == nil {
			payload["passenger_id"] = string(r.PassengerID)
		}
		s.emit(ctx, Event{
			Type:      EventRequestCompleted,
			TripID:    trip.ID,
			RequestID: st.RequestID,
			Payload:   payload,
		})
	}
	return trip, nil
}

func (s *Service) GetTrip(ctx context.Context, id types.ID) (*Trip, error) {
	return s.store.GetTrip(ctx, id)
}

func (s *Service) ActiveTrip(ctx context.Context, driverID types.ID) (*Trip, error) {
	return s.store.ActiveTripByDriver(ctx, driverID)
}

func (s *Service) ownTrip(ctx context.Context, tripID, driverID types.ID) error {
	if tripID == "" || driverID == "" {
		return fmt.Errorf("%w: trip and driver id required", ErrBadRequest)
	}
	trip, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}
	if trip.DriverID != driverID {
		return ErrForbidden
	}
	return nil
}
