// README: Dispatch service: request intake, the acceptance arbiter and the read projections.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fleetdispatch/internal/config"
	"fleetdispatch/internal/modules/fleet"
	"fleetdispatch/internal/types"
)

// EventPublisher receives committed state changes. Failures never reach the caller.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

// SessionSource reports the vehicle a driver is currently operating.
type SessionSource interface {
	VehicleFor(ctx context.Context, driverID types.ID) (types.ID, bool, error)
}

type Service struct {
	store    Store
	dir      fleet.Directory
	events   EventPublisher
	sessions SessionSource
	cfg      config.DispatchConfig
	log      *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithSessions(src SessionSource) Option { return func(s *Service) { s.sessions = src } }

func NewService(store Store, dir fleet.Directory, events EventPublisher, cfg config.DispatchConfig, opts ...Option) *Service {
	s := &Service{
		store:  store,
		dir:    dir,
		events: events,
		cfg:    cfg,
		log:    slog.Default(),
		tracer: otel.Tracer("fleetdispatch/dispatch"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.DefaultCapacity <= 0 {
		s.cfg.DefaultCapacity = 15
	}
	return s
}

type SubmitCommand struct {
	PassengerID      types.ID
	PassengerName    string
	PassengerContact string
	Destination      string
	OtherDestination string
}

type AcceptCommand struct {
	RequestID types.ID
	DriverID  types.ID
	VehicleID types.ID
}

type RejectCommand struct {
	RequestID types.ID
	DriverID  types.ID
}

type CancelCommand struct {
	RequestID   types.ID
	PassengerID types.ID
}

func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (*TripRequest, error) {
	dest := strings.TrimSpace(cmd.Destination)
	other := strings.TrimSpace(cmd.OtherDestination)
	if cmd.PassengerID == "" {
		return nil, fmt.Errorf("%w: passenger id required", ErrBadRequest)
	}
	if dest == "" {
		return nil, fmt.Errorf("%w: destination required", ErrBadRequest)
	}
	if dest == DestinationOther {
		if other == "" {
			return nil, fmt.Errorf("%w: other destination required", ErrBadRequest)
		}
	} else {
		other = ""
	}

	r := &TripRequest{
		ID:               types.NewID(),
		PassengerID:      cmd.PassengerID,
		PassengerName:    cmd.PassengerName,
		PassengerContact: cmd.PassengerContact,
		Origin:           s.cfg.HomeBase,
		Destination:      dest,
		OtherDestination: other,
		Status:           RequestPending,
		CreatedAt:        s.now(),
	}
	// The store refuses a second open request for the same passenger.
	if err := s.store.CreateRequest(ctx, r); errors.Is(err, ErrActiveRequest) {
		return nil, ErrActiveRequest
	} else if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	s.log.InfoContext(ctx, "request submitted", "request_id", r.ID, "passenger_id", r.PassengerID)
	s.emit(ctx, Event{
		Type:      EventRequestSubmitted,
		RequestID: r.ID,
		Payload: map[string]any{
			"passenger_id":   string(r.PassengerID),
			"passenger_name": r.PassengerName,
			"origin":         r.Origin,
			"destination":    r.DisplayDestination(),
		},
		OccurredAt: r.CreatedAt,
	})
	return r, nil
}

// Accept is the arbiter: of all drivers racing on one pending request exactly
// one succeeds, and only while the driver is under capacity.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*TripRequest, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.Accept", trace.WithAttributes(
		attribute.String("request.id", string(cmd.RequestID)),
		attribute.String("driver.id", string(cmd.DriverID)),
	))
	defer span.End()

	r, err := s.accept(ctx, cmd)
	s.metrics.accept(acceptOutcome(err))
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	s.log.InfoContext(ctx, "request accepted", "request_id", r.ID, "driver_id", cmd.DriverID, "vehicle_id", r.VehicleID)
	s.emit(ctx, Event{
		Type:      EventRequestAccepted,
		RequestID: r.ID,
		Payload: map[string]any{
			"passenger_id":  string(r.PassengerID),
			"driver_id":     string(cmd.DriverID),
			"driver_name":   r.DriverName,
			"vehicle_label": r.VehicleLabel,
		},
	})
	return r, nil
}

func (s *Service) accept(ctx context.Context, cmd AcceptCommand) (*TripRequest, error) {
	if cmd.RequestID == "" {
		return nil, fmt.Errorf("%w: request id required", ErrBadRequest)
	}
	driver, err := s.driver(ctx, cmd.DriverID)
	if err != nil {
		return nil, err
	}
	vehicle, err := s.vehicle(ctx, cmd.DriverID, cmd.VehicleID)
	if err != nil {
		return nil, err
	}
	return s.store.AcceptRequest(ctx, AcceptParams{
		RequestID:    cmd.RequestID,
		DriverID:     driver.ID,
		DriverName:   driver.Name,
		VehicleID:    vehicle.ID,
		VehicleLabel: vehicle.Label,
		Capacity:     vehicle.Seats(s.cfg.DefaultCapacity),
		At:           s.now(),
	})
}

func acceptOutcome(err error) string {
	switch {
	case err == nil:
		return "won"
	case errors.Is(err, ErrAlreadyAccepted):
		return "already_accepted"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (s *Service) Reject(ctx context.Context, cmd RejectCommand) (*TripRequest, error) {
	if cmd.RequestID == "" || cmd.DriverID == "" {
		return nil, fmt.Errorf("%w: request and driver id required", ErrBadRequest)
	}
	if _, err := s.driver(ctx, cmd.DriverID); err != nil {
		return nil, err
	}
	r, err := s.store.RejectRequest(ctx, cmd.RequestID, cmd.DriverID, s.now())
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "request rejected", "request_id", r.ID, "driver_id", cmd.DriverID)
	s.emit(ctx, Event{
		Type:      EventRequestRejected,
		RequestID: r.ID,
		Payload: map[string]any{
			"passenger_id": string(r.PassengerID),
			"driver_id":    string(cmd.DriverID),
		},
	})
	return r, nil
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*TripRequest, error) {
	if cmd.RequestID == "" || cmd.PassengerID == "" {
		return nil, fmt.Errorf("%w: request and passenger id required", ErrBadRequest)
	}
	r, err := s.store.CancelRequest(ctx, cmd.RequestID, cmd.PassengerID, s.now())
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "request cancelled", "request_id", r.ID, "passenger_id", cmd.PassengerID)
	s.emit(ctx, Event{
		Type:      EventRequestCancelled,
		RequestID: r.ID,
		Payload:   map[string]any{"passenger_id": string(r.PassengerID)},
	})
	return r, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*TripRequest, error) {
	return s.store.GetRequest(ctx, id)
}

// ListPending is the driver pool: pending requests younger than the configured
// age, oldest first. Older requests stay pending but are not shown.
func (s *Service) ListPending(ctx context.Context) ([]*TripRequest, error) {
	var since time.Time
	if s.cfg.PendingMaxAge > 0 {
		since = s.now().Add(-s.cfg.PendingMaxAge)
	}
	return s.store.ListPending(ctx, since)
}

func (s *Service) ListAccepted(ctx context.Context, driverID types.ID) ([]*TripRequest, error) {
	return s.store.ListByDriver(ctx, driverID, RequestAccepted)
}

func (s *Service) ListByPassenger(ctx context.Context, passengerID types.ID) ([]*TripRequest, error) {
	return s.store.ListByPassenger(ctx, passengerID)
}

func (s *Service) ListResponses(ctx context.Context, requestID types.ID) ([]Response, error) {
	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return s.store.ListResponses(ctx, requestID)
}

func (s *Service) driver(ctx context.Context, id types.ID) (*fleet.Driver, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: driver id required", ErrBadRequest)
	}
	d, err := s.dir.Driver(ctx, id)
	if errors.Is(err, fleet.ErrDriverNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup driver: %w", err)
	}
	if !d.Active {
		return nil, fmt.Errorf("%w: driver %s is inactive", ErrForbidden, id)
	}
	return d, nil
}

// vehicle resolves the vehicle for a driver action, falling back to the
// driver's session selection when none is given.
func (s *Service) vehicle(ctx context.Context, driverID, vehicleID types.ID) (*fleet.Vehicle, error) {
	if vehicleID == "" && s.sessions != nil {
		id, ok, err := s.sessions.VehicleFor(ctx, driverID)
		if err != nil {
			return nil, fmt.Errorf("lookup session: %w", err)
		}
		if ok {
			vehicleID = id
		}
	}
	if vehicleID == "" {
		return nil, ErrNoVehicle
	}
	v, err := s.dir.Vehicle(ctx, vehicleID)
	if errors.Is(err, fleet.ErrVehicleNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup vehicle: %w", err)
	}
	if !v.Active {
		return nil, fmt.Errorf("%w: vehicle %s is inactive", ErrBadRequest, vehicleID)
	}
	return v, nil
}

// emit publishes after commit. The caller's cancellation does not apply.
func (s *Service) emit(ctx context.Context, e Event) {
	if s.events == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now()
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		s.metrics.EventDropped(e.Type)
		s.log.WarnContext(ctx, "publish event failed", "event_type", e.Type, "request_id", e.RequestID, "trip_id", e.TripID, "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
