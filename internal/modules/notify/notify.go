// README: Event publishers for dispatch notifications and the fan-out that combines them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleetdispatch/internal/modules/dispatch"
)

// Named pairs a publisher with the backend name used in logs and errors.
type Named struct {
	Name      string
	Publisher dispatch.EventPublisher
}

// Fanout delivers each event to every backend. One backend failing does not
// stop the others; all failures are returned together.
type Fanout struct {
	backends []Named
	timeout  time.Duration
}

func NewFanout(timeout time.Duration, backends ...Named) *Fanout {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Fanout{backends: backends, timeout: timeout}
}

func (f *Fanout) Add(name string, p dispatch.EventPublisher) {
	f.backends = append(f.backends, Named{Name: name, Publisher: p})
}

func (f *Fanout) Publish(ctx context.Context, e dispatch.Event) error {
	var errs []error
	for _, b := range f.backends {
		pctx, cancel := context.WithTimeout(ctx, f.timeout)
		if err := b.Publisher.Publish(pctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
		}
		cancel()
	}
	return errors.Join(errs...)
}

type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, e dispatch.Event) error {
	p.log.InfoContext(ctx, "dispatch event",
		"event_type", e.Type,
		"request_id", e.RequestID,
		"trip_id", e.TripID,
		"occurred_at", e.OccurredAt,
	)
	return nil
}

// routingKey is shared by the broker backends: the event type, e.g. "trip.started".
func routingKey(e dispatch.Event) string {
	return string(e.Type)
}

// messageKey keeps one request's (or trip's) events on one partition.
func messageKey(e dispatch.Event) string {
	if e.RequestID != "" {
		return string(e.RequestID)
	}
	return string(e.TripID)
}
