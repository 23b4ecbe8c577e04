// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WSConnectionsActive tracks active websocket connections by role.
	WSConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active websocket connections",
		},
		[]string{"role"},
	)

	// MessagesTotal tracks persisted messages by sender role.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)

	// HandoffTransitionsTotal tracks handoff state transitions.
	HandoffTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_transitions_total",
			Help: "Total handoff state transitions",
		},
		[]string{"status"},
	)

	// AcceptConflictsTotal counts accept calls that lost the race.
	AcceptConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "handoff_accept_conflicts_total",
			Help: "Accept attempts that lost to a concurrent agent",
		},
	)

	// BroadcastDroppedTotal counts frames dropped for slow subscribers.
	BroadcastDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_broadcast_dropped_total",
			Help: "Frames dropped because a subscriber queue was full",
		},
	)

	// QueueEventsTotal counts queue-change events fanned out to consoles.
	QueueEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_events_total",
			Help: "Queue-change events published to agent consoles",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordHandoffTransition records a handoff entering the given status.
func RecordHandoffTransition(status string) {
	HandoffTransitionsTotal.WithLabelValues(status).Inc()
}
