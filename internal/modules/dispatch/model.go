// README: Trip request and trip aggregates, status definitions and the request state flow.
package dispatch

import (
	"time"

	"fleetdispatch/internal/types"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted_by_driver"
	RequestInTrip    RequestStatus = "in_trip"
	RequestCompleted RequestStatus = "completed"
	RequestCancelled RequestStatus = "cancelled"
	RequestRejected  RequestStatus = "rejected"
)

type TripStatus string

const (
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
)

// DestinationOther marks a request whose destination is free text.
const DestinationOther = "other"

type TripRequest struct {
	ID               types.ID
	PassengerID      types.ID
	PassengerName    string
	PassengerContact string
	Origin           string
	Destination      string
	OtherDestination string
	Status           RequestStatus
	DriverID         *types.ID
	DriverName       string
	VehicleID        *types.ID
	VehicleLabel     string
	TripID           *types.ID
	CreatedAt        time.Time
	AcceptedAt       *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CancelledAt      *time.Time
	RejectedAt       *time.Time
}

// DisplayDestination is the destination a driver should read.
func (r *TripRequest) DisplayDestination() string {
	if r.Destination == DestinationOther && r.OtherDestination != "" {
		return r.OtherDestination
	}
	return r.Destination
}

type ResponseKind string

const (
	ResponseAccepted ResponseKind = "accepted"
	ResponseRejected ResponseKind = "rejected"
)

// Response is one driver's answer to a request. Responses are append-only.
type Response struct {
	ID          int64
	RequestID   types.ID
	DriverID    types.ID
	PassengerID types.ID
	Destination string
	Response    ResponseKind
	RespondedAt time.Time
}

type Stop struct {
	RequestID      types.ID
	PassengerName  string
	Destination    string
	DeliveryStatus DeliveryStatus
	DeliveredAt    *time.Time
}

type Trip struct {
	ID             types.ID
	DriverID       types.ID
	DriverName     string
	VehicleID      types.ID
	VehicleLabel   string
	Status         TripStatus
	Stops          []Stop
	IdempotencyKey string
	DepartedAt     time.Time
	ArrivedAt      *time.Time
}

// PendingStops returns the stops not yet delivered, in trip order.
func (t *Trip) PendingStops() []StopRef {
	var out []StopRef
	for i, s := range t.Stops {
		if s.DeliveryStatus != DeliveryDelivered {
			out = append(out, StopRef{RequestID: s.RequestID, Index: i})
		}
	}
	return out
}

// StopIndex resolves ref against the trip's stops, or returns -1.
func (t *Trip) StopIndex(ref StopRef) int {
	if ref.RequestID != "" {
		for i, s := range t.Stops {
			if s.RequestID == ref.RequestID {
				return i
			}
		}
		return -1
	}
	if ref.Index >= 0 && ref.Index < len(t.Stops) {
		return ref.Index
	}
	return -1
}

// StopRef addresses a stop either by its originating request or by position.
// RequestID wins when both are set.
type StopRef struct {
	RequestID types.ID `json:"request_id,omitempty"`
	Index     int      `json:"index"`
}

// AllowedTransitions represents the request state flow as code.
var AllowedTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:  {RequestAccepted, RequestRejected, RequestCancelled},
	RequestAccepted: {RequestInTrip},
	RequestInTrip:   {RequestCompleted},
}

func CanTransition(from, to RequestStatus) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s RequestStatus) bool {
	_, ok := AllowedTransitions[s]
	return !ok
}

// HasDriver reports whether a request in status s must carry a driver assignment.
func HasDriver(s RequestStatus) bool {
	return s == RequestAccepted || s == RequestInTrip || s == RequestCompleted
}

type EventType string

const (
	EventRequestSubmitted EventType = "request.submitted"
	EventRequestAccepted  EventType = "request.accepted"
	EventRequestRejected  EventType = "request.rejected"
	EventRequestCancelled EventType = "request.cancelled"
	EventRequestCompleted EventType = "request.completed"
	EventTripStarted      EventType = "trip.started"
	EventStopDelivered    EventType = "trip.stop_delivered"
	EventTripCompleted    EventType = "trip.completed"
)

// Event is emitted after a state change has been committed.
type Event struct {
	Type       EventType      `json:"event_type"`
	RequestID  types.ID       `json:"request_id,omitempty"`
	TripID     types.ID       `json:"trip_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
