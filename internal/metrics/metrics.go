// Package metrics provides Prometheus instrumentation for the Parley room
// server. It exposes gauges for connection and room counts, counters for
// message throughput and persistence failures, and a histogram for broadcast
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts the total number of messages processed, labeled by
	// type: "sent", "rejected", "edited", or "deleted".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"}) // type = "sent", "rejected", "edited", "deleted"

	// BroadcastLatency records the time spent fanning a message out to all
	// room members, in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_broadcast_latency_seconds",
		Help:    "Time spent broadcasting an event to all room members",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// ActiveRooms tracks the number of rooms with at least one live member.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_active_rooms",
		Help: "Current number of rooms with at least one member",
	})

	// TypingActive tracks the total number of live typing entries.
	TypingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_typing_active",
		Help: "Current number of identities with a live typing entry",
	})

	// HistoryFailures counts history store operations that failed. Append
	// failures do not block broadcast; this counter is the visibility into
	// that degraded mode.
	HistoryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_history_failures_total",
		Help: "Total number of failed history store operations",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		BroadcastLatency,
		ActiveRooms,
		TypingActive,
		HistoryFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
