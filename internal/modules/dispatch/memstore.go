// README: In-memory Store used for local runs and tests; multi-record writes are staged and committed as one unit.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fleetdispatch/internal/types"
)

// FaultFunc is consulted before every record write inside a multi-record
// operation. Returning an error aborts the operation with nothing applied.
type FaultFunc func(op string, id types.ID) error

type MemStore struct {
	mu        sync.Mutex
	requests  map[types.ID]*TripRequest
	trips     map[types.ID]*Trip
	responses []Response
	tripKeys  map[string]types.ID
	fault     FaultFunc
}

func NewMemStore() *MemStore {
	return &MemStore{
		requests: make(map[types.ID]*TripRequest),
		trips:    make(map[types.ID]*Trip),
		tripKeys: make(map[string]types.ID),
	}
}

// SetFault installs (or clears, with nil) a fault hook.
func (m *MemStore) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

func (m *MemStore) check(op string, id types.ID) error {
	if m.fault == nil {
		return nil
	}
	if err := m.fault(op, id); err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return nil
}

func (m *MemStore) CreateRequest(_ context.Context, r *TripRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("request %s already exists", r.ID)
	}
	for _, cur := range m.requests {
		if cur.PassengerID == r.PassengerID && !IsTerminal(cur.Status) {
			return ErrActiveRequest
		}
	}
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *MemStore) GetRequest(_ context.Context, id types.ID) (*TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemStore) ListPending(_ context.Context, since time.Time) ([]*TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(r *TripRequest) bool {
		return r.Status == RequestPending && !r.CreatedAt.Before(since)
	}), nil
}

func (m *MemStore) ListByDriver(_ context.Context, driverID types.ID, status RequestStatus) ([]*TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(r *TripRequest) bool {
		return r.Status == status && r.DriverID != nil && *r.DriverID == driverID
	}), nil
}

func (m *MemStore) ListByPassenger(_ context.Context, passengerID types.ID) ([]*TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(r *TripRequest) bool { return r.PassengerID == passengerID }), nil
}

func (m *MemStore) ListResponses(_ context.Context, requestID types.ID) ([]Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Response
	for _, resp := range m.responses {
		if resp.RequestID == requestID {
			out = append(out, resp)
		}
	}
	return out, nil
}

func (m *MemStore) AcceptRequest(_ context.Context, p AcceptParams) (*TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.countAccepted(p.DriverID) >= p.Capacity {
		return nil, ErrCapacityExceeded
	}
	cur, ok := m.requests[p.RequestID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status != RequestPending {
		return nil, ErrAlreadyAccepted
	}

	next := cloneRequest(cur)
	next.Status = RequestAccepted
	next.DriverID = p.DriverID.Ptr()
	next.DriverName = p.DriverName
	next.VehicleID = p.VehicleID.Ptr()
	next.VehicleLabel = p.VehicleLabel
	next.AcceptedAt = timePtr(p.At)
	if err := m.check("accept_request", next.ID); err != nil {
		return nil, err
	}
	resp := m.newResponse(next, p.DriverID, ResponseAccepted, p.At)
	if err := m.check("append_response", next.ID); err != nil {
		return nil, err
	}

	m.requests[next.ID] = next
	m.responses = append(m.responses, resp)
	return cloneRequest(next), nil
}

func (m *MemStore) RejectRequest(_ context.Context, id, driverID types.ID, at time.Time) (*TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status != RequestPending {
		return nil, ErrNotPending
	}
	next := cloneRequest(cur)
	next.Status = RequestRejected
	next.RejectedAt = timePtr(at)
	if err := m.check("reject_request", id); err != nil {
		return nil, err
	}
	resp := m.newResponse(next, driverID, ResponseRejected, at)
	if err := m.check("append_response", id); err != nil {
		return nil, err
	}
	m.requests[id] = next
	m.responses = append(m.responses, resp)
	return cloneRequest(next), nil
}

func (m *MemStore) CancelRequest(_ context.Context, id, passengerID types.ID, at time.Time) (*TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.PassengerID != passengerID {
		return nil, ErrForbidden
	}
	if cur.Status != RequestPending {
		return nil, ErrNotPending
	}
	next := cloneRequest(cur)
	next.Status = RequestCancelled
	next.CancelledAt = timePtr(at)
	m.requests[id] = next
	return cloneRequest(next), nil
}

func (m *MemStore) CreateTrip(_ context.Context, p BatchParams) (*Trip, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tripKey(p.DriverID, p.IdempotencyKey)
	if p.IdempotencyKey != "" {
		if id, ok := m.tripKeys[key]; ok {
			return cloneTrip(m.trips[id]), false, nil
		}
	}

	eligible := m.eligible(p.DriverID, p.RequestIDs)
	if len(eligible) == 0 {
		return nil, false, ErrNoAcceptedRequests
	}
	if len(eligible) > p.Capacity {
		return nil, false, ErrCapacityExceeded
	}

	trip := &Trip{
		ID:             p.TripID,
		DriverID:       p.DriverID,
		DriverName:     p.DriverName,
		VehicleID:      p.VehicleID,
		VehicleLabel:   p.VehicleLabel,
		Status:         TripInProgress,
		IdempotencyKey: p.IdempotencyKey,
		DepartedAt:     p.At,
	}
	if err := m.check("insert_trip", trip.ID); err != nil {
		return nil, false, err
	}

	staged := make([]*TripRequest, 0, len(eligible))
	for _, r := range eligible {
		trip.Stops = append(trip.Stops, Stop{
			RequestID:      r.ID,
			PassengerName:  r.PassengerName,
			Destination:    r.DisplayDestination(),
			DeliveryStatus: DeliveryPending,
		})
		next := cloneRequest(r)
		next.Status = RequestInTrip
		next.TripID = trip.ID.Ptr()
		next.StartedAt = timePtr(p.At)
		if err := m.check("start_request", next.ID); err != nil {
			return nil, false, err
		}
		staged = append(staged, next)
	}

	m.trips[trip.ID] = trip
	for _, r := range staged {
		m.requests[r.ID] = r
	}
	if p.IdempotencyKey != "" {
		m.tripKeys[key] = trip.ID
	}
	return cloneTrip(trip), true, nil
}

func (m *MemStore) GetTrip(_ context.Context, id types.ID) (*Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrTripNotFound
	}
	return cloneTrip(t), nil
}

func (m *MemStore) ActiveTripByDriver(_ context.Context, driverID types.ID) (*Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *Trip
	for _, t := range m.trips {
		if t.DriverID == driverID && t.Status == TripInProgress {
			if found == nil || t.DepartedAt.After(found.DepartedAt) {
				found = t
			}
		}
	}
	if found == nil {
		return nil, ErrTripNotFound
	}
	return cloneTrip(found), nil
}

func (m *MemStore) MarkDelivered(_ context.Context, tripID types.ID, ref StopRef, at time.Time) (*Trip, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.trips[tripID]
	if !ok {
		return nil, false, ErrTripNotFound
	}
	idx := cur.StopIndex(ref)
	if idx < 0 {
		return nil, false, ErrStopNotFound
	}
	if cur.Stops[idx].DeliveryStatus == DeliveryDelivered {
		return cloneTrip(cur), false, nil
	}
	if cur.Status != TripInProgress {
		return nil, false, ErrInvalidState
	}
	next := cloneTrip(cur)
	next.Stops[idx].DeliveryStatus = DeliveryDelivered
	next.Stops[idx].DeliveredAt = timePtr(at)
	if err := m.check("deliver_stop", next.Stops[idx].RequestID); err != nil {
		return nil, false, err
	}
	m.trips[tripID] = next
	return cloneTrip(next), true, nil
}

func (m *MemStore) CompleteTrip(_ context.Context, tripID types.ID, at time.Time) (*Trip, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.trips[tripID]
	if !ok {
		return nil, false, ErrTripNotFound
	}
	if cur.Status == TripCompleted {
		return cloneTrip(cur), false, nil
	}
	if pending := cur.PendingStops(); len(pending) > 0 {
		return nil, false, &DeliveriesIncompleteError{Pending: pending}
	}

	next := cloneTrip(cur)
	next.Status = TripCompleted
	next.ArrivedAt = timePtr(at)
	if err := m.check("complete_trip", tripID); err != nil {
		return nil, false, err
	}

	staged := make([]*TripRequest, 0, len(next.Stops))
	for _, s := range next.Stops {
		r, ok := m.requests[s.RequestID]
		if !ok || r.Status != RequestInTrip {
			return nil, false, fmt.Errorf("complete request %s: %w", s.RequestID, ErrInvalidState)
		}
		nr := cloneRequest(r)
		nr.Status = RequestCompleted
		nr.CompletedAt = timePtr(at)
		if err := m.check("complete_request", nr.ID); err != nil {
			return nil, false, err
		}
		staged = append(staged, nr)
	}

	m.trips[tripID] = next
	for _, r := range staged {
		m.requests[r.ID] = r
	}
	return cloneTrip(next), true, nil
}

func (m *MemStore) countAccepted(driverID types.ID) int {
	n := 0
	for _, r := range m.requests {
		if r.Status == RequestAccepted && r.DriverID != nil && *r.DriverID == driverID {
			n++
		}
	}
	return n
}

// eligible returns the driver's accepted requests in creation order, restricted
// to only when it is non-empty.
func (m *MemStore) eligible(driverID types.ID, only []types.ID) []*TripRequest {
	var want map[types.ID]bool
	if len(only) > 0 {
		want = make(map[types.ID]bool, len(only))
		for _, id := range only {
			want[id] = true
		}
	}
	return m.filter(func(r *TripRequest) bool {
		if r.Status != RequestAccepted || r.DriverID == nil || *r.DriverID != driverID {
			return false
		}
		return want == nil || want[r.ID]
	})
}

func (m *MemStore) filter(keep func(*TripRequest) bool) []*TripRequest {
	var out []*TripRequest
	for _, r := range m.requests {
		if keep(r) {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemStore) newResponse(r *TripRequest, driverID types.ID, kind ResponseKind, at time.Time) Response {
	return Response{
		ID:          int64(len(m.responses) + 1),
		RequestID:   r.ID,
		DriverID:    driverID,
		PassengerID: r.PassengerID,
		Destination: r.DisplayDestination(),
		Response:    kind,
		RespondedAt: at,
	}
}

func tripKey(driverID types.ID, key string) string {
	return string(driverID) + "\x00" + key
}

func cloneRequest(r *TripRequest) *TripRequest {
	cp := *r
	return &cp
}

func cloneTrip(t *Trip) *Trip {
	cp := *t
	cp.Stops = make([]Stop, len(t.Stops))
	copy(cp.Stops, t.Stops)
	return &cp
}

func timePtr(t time.Time) *time.Time {
	return &t
}
