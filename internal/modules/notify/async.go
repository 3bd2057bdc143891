// README: Queued delivery so slow backends never hold up the request path.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"fleetdispatch/internal/modules/dispatch"
)

var (
	ErrQueueFull = errors.New("notify queue full")
	ErrClosed    = errors.New("notify queue closed")
)

type queued struct {
	ctx context.Context
	e   dispatch.Event
}

// Async hands events to a single worker through a bounded queue. Publish never
// blocks; when the queue is full the event is refused with ErrQueueFull.
type Async struct {
	next   dispatch.EventPublisher
	log    *slog.Logger
	onFail func(dispatch.EventType)

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	done   chan struct{}
}

type AsyncOption func(*Async)

// WithFailureHook is called with the event type of every delivery that fails.
func WithFailureHook(fn func(dispatch.EventType)) AsyncOption {
	return func(a *Async) { a.onFail = fn }
}

func NewAsync(next dispatch.EventPublisher, buffer int, log *slog.Logger, opts ...AsyncOption) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Async{
		next:  next,
		log:   log,
		queue: make(chan queued, buffer),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

func (a *Async) Publish(ctx context.Context, e dispatch.Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- queued{ctx: context.WithoutCancel(ctx), e: e}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for q := range a.queue {
		if err := a.next.Publish(q.ctx, q.e); err != nil {
			a.log.WarnContext(q.ctx, "deliver event failed",
				"event_type", q.e.Type, "request_id", q.e.RequestID, "trip_id", q.e.TripID, "error", err)
			if a.onFail != nil {
				a.onFail(q.e.Type)
			}
		}
	}
}

// Close stops intake and waits until the queued events are delivered or ctx ends.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
