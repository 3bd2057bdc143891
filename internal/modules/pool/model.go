// README: Pool feed messages sent to subscribed drivers.
package pool

import (
	"time"

	"fleetdispatch/internal/modules/dispatch"
	"fleetdispatch/internal/types"
)

type UpdateType string

const (
	UpdateSnapshot UpdateType = "snapshot"
	UpdateAdded    UpdateType = "added"
	UpdateRemoved  UpdateType = "removed"
)

// Entry is the driver-visible projection of a pending request.
type Entry struct {
	ID            types.ID  `json:"id"`
	PassengerName string    `json:"passenger_name"`
	Origin        string    `json:"origin"`
	Destination   string    `json:"destination"`
	CreatedAt     time.Time `json:"created_at"`
}

type Update struct {
	Type      UpdateType `json:"type"`
	Entries   []Entry    `json:"entries,omitempty"`
	Entry     *Entry     `json:"entry,omitempty"`
	RequestID types.ID   `json:"request_id,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

func EntryFrom(r *dispatch.TripRequest) Entry {
	return Entry{
		ID:            r.ID,
		PassengerName: r.PassengerName,
		Origin:        r.Origin,
		Destination:   r.DisplayDestination(),
		CreatedAt:     r.CreatedAt,
	}
}

func Snapshot(reqs []*dispatch.TripRequest) Update {
	entries := make([]Entry, len(reqs))
	for i, r := range reqs {
		entries[i] = EntryFrom(r)
	}
	return Update{Type: UpdateSnapshot, Entries: entries}
}

// FromEvent maps a dispatch event onto a pool change. Events that do not add
// or remove a pending request report false.
func FromEvent(e dispatch.Event) (Update, bool) {
	switch e.Type {
	case dispatch.EventRequestSubmitted:
		return Update{Type: UpdateAdded, Entry: &Entry{
			ID:            e.RequestID,
			PassengerName: payloadString(e.Payload, "passenger_name"),
			Origin:        payloadString(e.Payload, "origin"),
			Destination:   payloadString(e.Payload, "destination"),
			CreatedAt:     e.OccurredAt,
		}}, true
	case dispatch.EventRequestAccepted:
		return Update{Type: UpdateRemoved, RequestID: e.RequestID, Reason: "accepted"}, true
	case dispatch.EventRequestRejected:
		return Update{Type: UpdateRemoved, RequestID: e.RequestID, Reason: "rejected"}, true
	case dispatch.EventRequestCancelled:
		return Update{Type: UpdateRemoved, RequestID: e.RequestID, Reason: "cancelled"}, true
	}
	return Update{}, false
}

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}
