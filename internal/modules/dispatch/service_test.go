// README: Dispatch service tests: intake, arbiter, capacity, batching, delivery and completion.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fleetdispatch/internal/types"
)

func TestSubmitValidation(t *testing.T) {
	f := newMemFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  SubmitCommand
	}{
		{"missing passenger", SubmitCommand{Destination: "Library"}},
		{"missing destination", SubmitCommand{PassengerID: "p1", Destination: "  "}},
		{"other without text", SubmitCommand{PassengerID: "p1", Destination: DestinationOther}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, tc.cmd)
			assertErr(t, err, ErrBadRequest)
		})
	}

	r, err := f.svc.Submit(ctx, SubmitCommand{PassengerID: "p1", Destination: DestinationOther, OtherDestination: " North Gate "})
	if err != nil {
		t.Fatalf("submit other: %v", err)
	}
	if r.OtherDestination != "North Gate" || r.DisplayDestination() != "North Gate" {
		t.Fatalf("unexpected destination fields: %+v", r)
	}
	if r.Origin != "Main Campus" || r.Status != RequestPending || r.DriverID != nil {
		t.Fatalf("unexpected new request: %+v", r)
	}

	r, err = f.svc.Submit(ctx, SubmitCommand{PassengerID: "p2", Destination: "Library", OtherDestination: "ignored"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.OtherDestination != "" {
		t.Fatalf("free text must be dropped for fixed destinations, got %q", r.OtherDestination)
	}
	if got := f.pub.count(EventRequestSubmitted); got != 2 {
		t.Fatalf("expected 2 submitted events, got %d", got)
	}
}

func TestSubmitOneOpenRequestPerPassenger(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()

			r := f.submit(t, "p1", "Library")
			_, err := f.svc.Submit(ctx, SubmitCommand{PassengerID: "p1", Destination: "Gym"})
			assertErr(t, err, ErrActiveRequest)

			if _, err := f.svc.Cancel(ctx, CancelCommand{RequestID: r.ID, PassengerID: "p1"}); err != nil {
				t.Fatalf("cancel: %v", err)
			}
			f.submit(t, "p1", "Gym")

			hist, err := f.svc.ListByPassenger(ctx, "p1")
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(hist) != 2 || hist[0].Status != RequestCancelled || hist[1].Status != RequestPending {
				t.Fatalf("unexpected history: %+v", hist)
			}
		})
	}
}

// Two drivers accept the same request at the same moment; one wins.
func TestConcurrentAcceptTwoDrivers(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()
			r := f.submit(t, "p1", "Library")

			drivers := []types.ID{"d1", "d2"}
			start := make(chan struct{})
			errs := make([]error, len(drivers))
			var wg sync.WaitGroup
			for i, d := range drivers {
				wg.Add(1)
				go func(i int, d types.ID) {
					defer wg.Done()
					<-start
					_, errs[i] = f.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, DriverID: d, VehicleID: "v-big"})
				}(i, d)
			}
			close(start)
			wg.Wait()

			var winner types.ID
			for i, err := range errs {
				switch {
				case err == nil:
					if winner != "" {
						t.Fatalf("two winners: %s and %s", winner, drivers[i])
					}
					winner = drivers[i]
				case errors.Is(err, ErrAlreadyAccepted):
				default:
					t.Fatalf("unexpected error for %s: %v", drivers[i], err)
				}
			}
			if winner == "" {
				t.Fatalf("expected one winner")
			}

			got := assertRequestStatus(t, f, r.ID, RequestAccepted)
			if got.DriverID == nil || *got.DriverID != winner {
				t.Fatalf("driver_id = %v, want %s", got.DriverID, winner)
			}
			resps, err := f.svc.ListResponses(ctx, r.ID)
			if err != nil {
				t.Fatalf("responses: %v", err)
			}
			if len(resps) != 1 || resps[0].DriverID != winner || resps[0].Response != ResponseAccepted {
				t.Fatalf("unexpected response log: %+v", resps)
			}
		})
	}
}

func TestConcurrentAcceptManyDrivers(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()
			r := f.submit(t, "p1", "Library")

			const attempts = 10
			start := make(chan struct{})
			errs := make(chan error, attempts)
			var wg sync.WaitGroup
			for i := 1; i <= attempts; i++ {
				wg.Add(1)
				go func(d types.ID) {
					defer wg.Done()
					<-start
					_, err := f.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, DriverID: d, VehicleID: "v-big"})
					errs <- err
				}(types.ID(fmt.Sprintf("d%d", i)))
			}
			close(start)
			wg.Wait()
			close(errs)

			success := 0
			for err := range errs {
				if err == nil {
					success++
					continue
				}
				if !errors.Is(err, ErrAlreadyAccepted) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if success != 1 {
				t.Fatalf("expected exactly 1 success, got %d", success)
			}
			if got := f.pub.count(EventRequestAccepted); got != 1 {
				t.Fatalf("expected 1 accepted event, got %d", got)
			}
		})
	}
}

// Capacity 2: the third accept is refused and only two requests are batched.
func TestCapacityLimitThenBatch(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()
			r1 := f.submit(t, "p1", "Library")
			r2 := f.submit(t, "p2", "Gym")
			r3 := f.submit(t, "p3", "Dorms")

			f.accept(t, r1.ID, "d1", "v-small")
			f.accept(t, r2.ID, "d1", "v-small")
			_, err := f.svc.Accept(ctx, AcceptCommand{RequestID: r3.ID, DriverID: "d1", VehicleID: "v-small"})
			assertErr(t, err, ErrCapacityExceeded)
			assertRequestStatus(t, f, r3.ID, RequestPending)

			trip, err := f.svc.StartTrip(ctx, StartTripCommand{DriverID: "d1", VehicleID: "v-small"})
			if err != nil {
				t.Fatalf("start trip: %v", err)
			}
			if len(trip.Stops) != 2 || trip.Stops[0].RequestID != r1.ID || trip.Stops[1].RequestID != r2.ID {
				t.Fatalf("unexpected stops: %+v", trip.Stops)
			}
			if trip.Status != TripInProgress || trip.VehicleLabel != "Van 2" {
				t.Fatalf("unexpected trip: %+v", trip)
			}
			for _, id := range []types.ID{r1.ID, r2.ID} {
				got := assertRequestStatus(t, f, id, RequestInTrip)
				if got.TripID == nil || *got.TripID != trip.ID || got.StartedAt == nil {
					t.Fatalf("request %s not linked to trip: %+v", id, got)
				}
			}
			assertRequestStatus(t, f, r3.ID, RequestPending)

			// Capacity frees up once the batch leaves.
			f.accept(t, r3.ID, "d1", "v-small")
		})
	}
}

func TestCapacityUnderConcurrentAccepts(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()

			const n = 10
			ids := make([]types.ID, n)
			for i := range ids {
				ids[i] = f.submit(t, types.ID(fmt.Sprintf("p%d", i)), "Library").ID
			}

			start := make(chan struct{})
			errs := make(chan error, n)
			var wg sync.WaitGroup
			for _, id := range ids {
				wg.Add(1)
				go func(id types.ID) {
					defer wg.Done()
					<-start
					_, err := f.svc.Accept(ctx, AcceptCommand{RequestID: id, DriverID: "d1", VehicleID: "v-three"})
					errs <- err
				}(id)
			}
			close(start)
			wg.Wait()
			close(errs)

			won := 0
			for err := range errs {
				if err == nil {
					won++
					continue
				}
				if !errors.Is(err, ErrCapacityExceeded) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if won != 3 {
				t.Fatalf("expected 3 accepts under capacity 3, got %d", won)
			}
			held, err := f.svc.ListAccepted(ctx, "d1")
			if err != nil {
				t.Fatalf("list accepted: %v", err)
			}
			if len(held) != 3 {
				t.Fatalf("expected 3 held requests, got %d", len(held))
			}
		})
	}
}

// Completion waits for every stop, then closes trip and requests together.
func TestCompletionRequiresAllDeliveries(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()
			r1 := f.submit(t, "p1", "Library")
			r2 := f.submit(t, "p2", "Gym")
			f.accept(t, r1.ID, "d1", "v-big")
			f.accept(t, r2.ID, "d1", "v-big")

			trip, err := f.svc.StartTrip(ctx, StartTripCommand{DriverID: "d1", VehicleID: "v-big"})
			if err != nil {
				t.Fatalf("start trip: %v", err)
			}
			if _, err := f.svc.MarkDelivered(ctx, DeliverCommand{TripID: trip.ID, DriverID: "d1", Stop: StopRef{RequestID: r1.ID}}); err != nil {
				t.Fatalf("deliver r1: %v", err)
			}

			_, err = f.svc.CompleteTrip(ctx, CompleteTripCommand{TripID: trip.ID, DriverID: "d1"})
			assertErr(t, err, ErrDeliveriesIncomplete)
			var die *DeliveriesIncompleteError
			if !errors.As(err, &die) || len(die.Pending) != 1 || die.Pending[0].RequestID != r2.ID {
				t.Fatalf("expected pending [r2], got %v", err)
			}
			assertRequestStatus(t, f, r1.ID, RequestInTrip)

			if _, err := f.svc.MarkDelivered(ctx, DeliverCommand{TripID: trip.ID, DriverID: "d1", Stop: StopRef{Index: 1}}); err != nil {
				t.Fatalf("deliver r2: %v", err)
			}
			done, err := f.svc.CompleteTrip(ctx, CompleteTripCommand{TripID: trip.ID, DriverID: "d1"})
			if err != nil {
				t.Fatalf("complete: %v", err)
			}
			if done.Status != TripCompleted || done.ArrivedAt == nil {
				t.Fatalf("unexpected trip: %+v", done)
			}
			for _, id := range []types.ID{r1.ID, r2.ID} {
				got := assertRequestStatus(t, f, id, RequestCompleted)
				if got.CompletedAt == nil || !got.CompletedAt.Equal(*done.ArrivedAt) {
					t.Fatalf("request %s completed_at %v, trip arrived_at %v", id, got.CompletedAt, done.ArrivedAt)
				}
			}
			if got := f.pub.count(EventRequestCompleted); got != 2 {
				t.Fatalf("expected 2 request.completed events, got %d", got)
			}
		})
	}
}

func TestDeliveryAndCompletionAreIdempotent(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()
			r1 := f.submit(t, "p1", "Library")
			f.accept(t, r1.ID, "d1", "v-big")
			trip, err := f.svc.StartTrip(ctx, StartTripCommand{DriverID: "d1", VehicleID: "v-big"})
			if err != nil {
				t.Fatalf("start trip: %v", err)
			}

			deliver := DeliverCommand{TripID: trip.ID, DriverID: "d1", Stop: StopRef{RequestID: r1.ID}}
			first, err := f.svc.MarkDelivered(ctx, deliver)
			if err != nil {
				t.Fatalf("deliver: %v", err)
			}
			again, err := f.svc.MarkDelivered(ctx, deliver)
			if err != nil {
				t.Fatalf("repeat deliver: %v", err)
			}
			if !first.Stops[0].DeliveredAt.Equal(*again.Stops[0].DeliveredAt) {
				t.Fatalf("repeat delivery moved delivered_at")
			}
			if got := f.pub.count(EventStopDelivered); got != 1 {
				t.Fatalf("expected 1 stop_delivered event, got %d", got)
			}

			cmd := CompleteTripCommand{TripID: trip.ID, DriverID: "d1"}
			if _, err := f.svc.CompleteTrip(ctx, cmd); err != nil {
				t.Fatalf("complete: %v", err)
			}
			if _, err := f.svc.CompleteTrip(ctx, cmd); err != nil {
				t.Fatalf("repeat complete: %v", err)
			}
			if got := f.pub.count(EventTripCompleted); got != 1 {
				t.Fatalf("expected 1 trip.completed event, got %d", got)
			}
			// Already delivered stops stay a no-op after completion.
			if _, err := f.svc.MarkDelivered(ctx, deliver); err != nil {
				t.Fatalf("deliver after completion: %v", err)
			}
		})
	}
}

func TestDeliveryErrors(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()
			r1 := f.submit(t, "p1", "Library")
			f.accept(t, r1.ID, "d1", "v-big")
			trip, err := f.svc.StartTrip(ctx, StartTripCommand{DriverID: "d1", VehicleID: "v-big"})
			if err != nil {
				t.Fatalf("start trip: %v", err)
			}

			_, err = f.svc.MarkDelivered(ctx, DeliverCommand{TripID: "missing", DriverID: "d1", Stop: StopRef{Index: 0}})
			assertErr(t, err, ErrTripNotFound)
			_, err = f.svc.MarkDelivered(ctx, DeliverCommand{TripID: trip.ID, DriverID: "d1", Stop: StopRef{RequestID: "nope"}})
			assertErr(t, err, ErrStopNotFound)
			_, err = f.svc.MarkDelivered(ctx, DeliverCommand{TripID: trip.ID, DriverID: "d2", Stop: StopRef{Index: 0}})
			assertErr(t, err, ErrForbidden)
			_, err = f.svc.CompleteTrip(ctx, CompleteTripCommand{TripID: trip.ID, DriverID: "d2"})
			assertErr(t, err, ErrForbidden)
		})
	}
}

func TestStartTripIdempotencyKey(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()
			r1 := f.submit(t, "p1", "Library")
			f.accept(t, r1.ID, "d1", "v-big")

			cmd := StartTripCommand{DriverID: "d1", VehicleID: "v-big", IdempotencyKey: "depart-0800"}
			first, err := f.svc.StartTrip(ctx, cmd)
			if err != nil {
				t.Fatalf("start trip: %v", err)
			}
			retry, err := f.svc.StartTrip(ctx, cmd)
			if err != nil {
				t.Fatalf("retry start trip: %v", err)
			}
			if retry.ID != first.ID || len(retry.Stops) != 1 {
				t.Fatalf("retry returned %+v, want trip %s", retry, first.ID)
			}
			if got := f.pub.count(EventTripStarted); got != 1 {
				t.Fatalf("expected 1 trip.started event, got %d", got)
			}

			active, err := f.svc.ActiveTrip(ctx, "d1")
			if err != nil || active.ID != first.ID {
				t.Fatalf("active trip = %+v, %v", active, err)
			}
		})
	}
}

func TestStartTripRevalidatesSnapshot(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()
			r1 := f.submit(t, "p1", "Library")
			r2 := f.submit(t, "p2", "Gym")
			r3 := f.submit(t, "p3", "Dorms")
			other := f.submit(t, "p4", "Pool")
			f.accept(t, r1.ID, "d1", "v-big")
			f.accept(t, r2.ID, "d1", "v-big")
			f.accept(t, r3.ID, "d1", "v-big")
			f.accept(t, other.ID, "d2", "v-big")

			_, err := f.svc.StartTrip(ctx, StartTripCommand{DriverID: "d1", VehicleID: "v-big", RequestIDs: []types.ID{other.ID, "unknown"}})
			assertErr(t, err, ErrNoAcceptedRequests)

			trip, err := f.svc.StartTrip(ctx, StartTripCommand{
				DriverID:   "d1",
				VehicleID:  "v-big",
				RequestIDs: []types.ID{r3.ID, r1.ID, other.ID, "unknown"},
			})
			if err != nil {
				t.Fatalf("start trip: %v", err)
			}
			if len(trip.Stops) != 2 || trip.Stops[0].RequestID != r1.ID || trip.Stops[1].RequestID != r3.ID {
				t.Fatalf("unexpected stops: %+v", trip.Stops)
			}
			assertRequestStatus(t, f, r2.ID, RequestAccepted)
			assertRequestStatus(t, f, other.ID, RequestAccepted)
		})
	}
}

func TestStartTripRejectsOversizedBatch(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()

			_, err := f.svc.StartTrip(ctx, StartTripCommand{DriverID: "d1", VehicleID: "v-big"})
			assertErr(t, err, ErrNoAcceptedRequests)

			var ids []types.ID
			for i := 0; i < 3; i++ {
				r := f.submit(t, types.ID(fmt.Sprintf("p%d", i)), "Library")
				f.accept(t, r.ID, "d1", "v-big")
				ids = append(ids, r.ID)
			}
			_, err = f.svc.StartTrip(ctx, StartTripCommand{DriverID: "d1", VehicleID: "v-small"})
			assertErr(t, err, ErrCapacityExceeded)
			for _, id := range ids {
				assertRequestStatus(t, f, id, RequestAccepted)
			}
			if _, err := f.svc.ActiveTrip(ctx, "d1"); !errors.Is(err, ErrTripNotFound) {
				t.Fatalf("expected no trip, got %v", err)
			}
		})
	}
}

func TestRejectAndCancel(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()

			r1 := f.submit(t, "p1", "Library")
			if _, err := f.svc.Reject(ctx, RejectCommand{RequestID: r1.ID, DriverID: "d1"}); err != nil {
				t.Fatalf("reject: %v", err)
			}
			got := assertRequestStatus(t, f, r1.ID, RequestRejected)
			if got.DriverID != nil || got.RejectedAt == nil {
				t.Fatalf("rejected request carries assignment: %+v", got)
			}
			_, err := f.svc.Reject(ctx, RejectCommand{RequestID: r1.ID, DriverID: "d2"})
			assertErr(t, err, ErrNotPending)
			_, err = f.svc.Accept(ctx, AcceptCommand{RequestID: r1.ID, DriverID: "d2", VehicleID: "v-big"})
			assertErr(t, err, ErrAlreadyAccepted)
			_, err = f.svc.Reject(ctx, RejectCommand{RequestID: "missing", DriverID: "d1"})
			assertErr(t, err, ErrNotFound)

			resps, err := f.svc.ListResponses(ctx, r1.ID)
			if err != nil {
				t.Fatalf("responses: %v", err)
			}
			if len(resps) != 1 || resps[0].Response != ResponseRejected || resps[0].PassengerID != "p1" {
				t.Fatalf("unexpected response log: %+v", resps)
			}

			r2 := f.submit(t, "p2", "Gym")
			_, err = f.svc.Cancel(ctx, CancelCommand{RequestID: r2.ID, PassengerID: "p1"})
			assertErr(t, err, ErrForbidden)
			f.accept(t, r2.ID, "d1", "v-big")
			_, err = f.svc.Cancel(ctx, CancelCommand{RequestID: r2.ID, PassengerID: "p2"})
			assertErr(t, err, ErrNotPending)
			_, err = f.svc.Cancel(ctx, CancelCommand{RequestID: "missing", PassengerID: "p2"})
			assertErr(t, err, ErrNotFound)

			r3 := f.submit(t, "p3", "Dorms")
			if _, err := f.svc.Cancel(ctx, CancelCommand{RequestID: r3.ID, PassengerID: "p3"}); err != nil {
				t.Fatalf("cancel: %v", err)
			}
			_, err = f.svc.Accept(ctx, AcceptCommand{RequestID: r3.ID, DriverID: "d1", VehicleID: "v-big"})
			assertErr(t, err, ErrAlreadyAccepted)
		})
	}
}

func TestAcceptResolvesDriverAndVehicle(t *testing.T) {
	f := newMemFixture(t, WithSessions(staticSessions{"d1": "v-small"}))
	ctx := context.Background()
	r := f.submit(t, "p1", "Library")

	cases := []struct {
		name string
		cmd  AcceptCommand
		want error
	}{
		{"unknown request", AcceptCommand{RequestID: "missing", DriverID: "d1", VehicleID: "v-big"}, ErrNotFound},
		{"unknown driver", AcceptCommand{RequestID: r.ID, DriverID: "ghost", VehicleID: "v-big"}, ErrForbidden},
		{"inactive driver", AcceptCommand{RequestID: r.ID, DriverID: "d-off", VehicleID: "v-big"}, ErrForbidden},
		{"unknown vehicle", AcceptCommand{RequestID: r.ID, DriverID: "d1", VehicleID: "v-none"}, ErrBadRequest},
		{"retired vehicle", AcceptCommand{RequestID: r.ID, DriverID: "d1", VehicleID: "v-retired"}, ErrBadRequest},
		{"no session vehicle", AcceptCommand{RequestID: r.ID, DriverID: "d2"}, ErrNoVehicle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Accept(ctx, tc.cmd)
			assertErr(t, err, tc.want)
		})
	}
	assertRequestStatus(t, f, r.ID, RequestPending)

	got, err := f.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, DriverID: "d1"})
	if err != nil {
		t.Fatalf("accept with session vehicle: %v", err)
	}
	if got.VehicleID == nil || *got.VehicleID != "v-small" || got.VehicleLabel != "Van 2" || got.DriverName != "Driver d1" {
		t.Fatalf("unexpected assignment: %+v", got)
	}
}

func TestListPendingHidesAgedRequests(t *testing.T) {
	f := newMemFixture(t)
	ctx := context.Background()

	old := f.submit(t, "p1", "Library")
	f.clock.Advance(49 * time.Hour)
	fresh := f.submit(t, "p2", "Gym")
	taken := f.submit(t, "p3", "Dorms")
	f.accept(t, taken.ID, "d1", "v-big")

	pool, err := f.svc.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pool) != 1 || pool[0].ID != fresh.ID {
		t.Fatalf("unexpected pool: %+v", pool)
	}
	// Aging out only hides the request.
	assertRequestStatus(t, f, old.ID, RequestPending)
}

func TestPublishFailureDoesNotFailOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newMemFixture(t, WithMetrics(NewMetrics(reg)))
	f.pub.err = errors.New("broker down")
	ctx := context.Background()

	r := f.submit(t, "p1", "Library")
	if _, err := f.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, DriverID: "d1", VehicleID: "v-big"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, _ = f.svc.Accept(ctx, AcceptCommand{RequestID: r.ID, DriverID: "d2", VehicleID: "v-big"})

	if got := counterValue(t, reg, "dispatch_events_dropped_total", "request.submitted"); got != 1 {
		t.Fatalf("dropped submitted events = %v, want 1", got)
	}
	if got := counterValue(t, reg, "dispatch_accept_outcomes_total", "won"); got != 1 {
		t.Fatalf("won outcomes = %v, want 1", got)
	}
	if got := counterValue(t, reg, "dispatch_accept_outcomes_total", "already_accepted"); got != 1 {
		t.Fatalf("already_accepted outcomes = %v, want 1", got)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// Concurrent submits from one passenger leave exactly one open request.
func TestConcurrentSubmitSamePassenger(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()

			const n = 5
			start := make(chan struct{})
			errs := make([]error, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					_, errs[i] = f.svc.Submit(ctx, SubmitCommand{PassengerID: "p1", Destination: fmt.Sprintf("Stop %d", i)})
				}(i)
			}
			close(start)
			wg.Wait()

			won := 0
			for _, err := range errs {
				switch {
				case err == nil:
					won++
				case errors.Is(err, ErrActiveRequest):
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if won != 1 {
				t.Fatalf("successful submits = %d, want 1", won)
			}
			hist, err := f.svc.ListByPassenger(ctx, "p1")
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(hist) != 1 {
				t.Fatalf("open requests for p1 = %d, want 1", len(hist))
			}
			if got := f.pub.count(EventRequestSubmitted); got != 1 {
				t.Fatalf("submitted events = %d, want 1", got)
			}
		})
	}
}

// A driver at capacity is refused before the request is even looked up.
func TestAcceptCapacityCheckedBeforeLookup(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newStore(t))
			ctx := context.Background()
			r1 := f.submit(t, "p1", "Library")
			r2 := f.submit(t, "p2", "Gym")
			f.accept(t, r1.ID, "d1", "v-small")
			f.accept(t, r2.ID, "d1", "v-small")

			_, err := f.svc.Accept(ctx, AcceptCommand{RequestID: "missing", DriverID: "d1", VehicleID: "v-small"})
			assertErr(t, err, ErrCapacityExceeded)
			_, err = f.svc.Accept(ctx, AcceptCommand{RequestID: r1.ID, DriverID: "d1", VehicleID: "v-small"})
			assertErr(t, err, ErrCapacityExceeded)

			_, err = f.svc.Accept(ctx, AcceptCommand{RequestID: "missing", DriverID: "d2", VehicleID: "v-small"})
			assertErr(t, err, ErrNotFound)
			_, err = f.svc.Accept(ctx, AcceptCommand{RequestID: r1.ID, DriverID: "d2", VehicleID: "v-small"})
			assertErr(t, err, ErrAlreadyAccepted)
		})
	}
}
