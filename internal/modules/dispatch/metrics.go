// README: Prometheus collectors for dispatch outcomes.
package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	AcceptOutcomes *prometheus.CounterVec
	TripsStarted   prometheus.Counter
	TripsCompleted prometheus.Counter
	BatchSize      prometheus.Histogram
	EventsDropped  *prometheus.CounterVec
}

// NewMetrics registers the dispatch collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AcceptOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{Namespace: "dispatch", Name: "accept_outcomes_total", Help: "Accept attempts by outcome"},
			[]string{"outcome"},
		),
		TripsStarted:   f.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "trips_started_total", Help: "Trips created"}),
		TripsCompleted: f.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "trips_completed_total", Help: "Trips completed"}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "batch_size",
			Help:      "Stops per started trip",
			Buckets:   prometheus.LinearBuckets(1, 2, 8),
		}),
		EventsDropped: f.NewCounterVec(
			prometheus.CounterOpts{Namespace: "dispatch", Name: "events_dropped_total", Help: "Events the publisher failed to deliver"},
			[]string{"event_type"},
		),
	}
}

func (m *Metrics) accept(outcome string) {
	if m == nil {
		return
	}
	m.AcceptOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) tripStarted(stops int) {
	if m == nil {
		return
	}
	m.TripsStarted.Inc()
	m.BatchSize.Observe(float64(stops))
}

func (m *Metrics) tripCompleted() {
	if m == nil {
		return
	}
	m.TripsCompleted.Inc()
}

// EventDropped counts an event that was not delivered. Asynchronous publishers
// report their own failures here.
func (m *Metrics) EventDropped(t EventType) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(string(t)).Inc()
}
