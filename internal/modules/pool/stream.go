// README: WebSocket stream of the pending pool: a snapshot, then incremental changes.
package pool

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"fleetdispatch/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Serve subscribes, writes the snapshot, then relays hub updates to conn until
// the client goes away or ctx ends. Subscribing first means no change between
// the snapshot read and the first update is lost.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, snapshot func(context.Context) (Update, error)) error {
	updates, cancel := h.Subscribe()
	defer cancel()

	snap, err := snapshot(ctx)
	if err != nil {
		return err
	}
	if err := write(conn, snap); err != nil {
		return err
	}
	visible := make(map[types.ID]time.Time, len(snap.Entries))
	for _, e := range snap.Entries {
		visible[e.ID] = e.CreatedAt
	}

	// Reader: only control frames matter; a read error means the client left.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	var sweep <-chan time.Time
	if h.maxAge > 0 {
		t := time.NewTicker(h.sweepEvery)
		defer t.Stop()
		sweep = t.C
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return nil
		case <-closed:
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			track(visible, u)
			if err := write(conn, u); err != nil {
				return err
			}
		case <-sweep:
			for _, u := range h.expired(visible) {
				if err := write(conn, u); err != nil {
					return err
				}
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

func track(visible map[types.ID]time.Time, u Update) {
	switch u.Type {
	case UpdateAdded:
		if u.Entry != nil {
			visible[u.Entry.ID] = u.Entry.CreatedAt
		}
	case UpdateRemoved:
		delete(visible, u.RequestID)
	}
}

// expired removes entries past maxAge from visible and returns their removals.
func (h *Hub) expired(visible map[types.ID]time.Time) []Update {
	cutoff := h.now().Add(-h.maxAge)
	var out []Update
	for id, created := range visible {
		if created.Before(cutoff) {
			delete(visible, id)
			out = append(out, Update{Type: UpdateRemoved, RequestID: id, Reason: "expired"})
		}
	}
	return out
}

func write(conn *websocket.Conn, u Update) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(u)
}
