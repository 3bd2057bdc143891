// README: In-process fan-out of pool changes to subscribed drivers.
package pool

import (
	"context"
	"sync"
	"time"

	"fleetdispatch/internal/modules/dispatch"
)

const (
	defaultBuffer = 32
	defaultSweep  = time.Minute
)

type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Update
	next   int
	buffer int

	// Entries older than maxAge leave the pool listing, so streams drop them too.
	maxAge     time.Duration
	sweepEvery time.Duration
	now        func() time.Time
}

type HubOption func(*Hub)

// WithMaxAge makes Serve send a removal with reason "expired" once a streamed
// entry is older than d. Zero disables the sweep.
func WithMaxAge(d time.Duration) HubOption {
	return func(h *Hub) { h.maxAge = d }
}

// WithSweep sets how often Serve checks entry ages and the clock it uses.
func WithSweep(every time.Duration, now func() time.Time) HubOption {
	return func(h *Hub) {
		if every > 0 {
			h.sweepEvery = every
		}
		if now != nil {
			h.now = now
		}
	}
}

func NewHub(buffer int, opts ...HubOption) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	h := &Hub{subs: make(map[int]chan Update), buffer: buffer, sweepEvery: defaultSweep, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribe returns a feed of pool changes and a function that ends it.
func (h *Hub) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, h.buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast never blocks: a subscriber whose buffer is full misses u.
func (h *Hub) Broadcast(u Update) (dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- u:
		default:
			dropped++
		}
	}
	return dropped
}

// Publish lets the hub sit behind a dispatch event publisher.
func (h *Hub) Publish(_ context.Context, e dispatch.Event) error {
	if u, ok := FromEvent(e); ok {
		h.Broadcast(u)
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
