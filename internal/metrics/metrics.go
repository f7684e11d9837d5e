// Package metrics provides Prometheus instrumentation for the room chat
// server. It exposes gauges for connection and room counts, counters for
// event throughput, and histograms for latency and fan-out size.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of registered connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_connections_total",
		Help: "Current number of registered WebSocket connections",
	})

	// ActiveRooms tracks the number of rooms with at least one member.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomchat_active_rooms",
		Help: "Current number of rooms with at least one member",
	})

	// EventsTotal counts inbound client events by type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_events_total",
		Help: "Total number of inbound client events",
	}, []string{"type"})

	// MessagesTotal counts send_message outcomes, labeled by result:
	// "persisted", "rejected", "failed", "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"result"})

	// MessageLatency records send_message handling latency in seconds,
	// from receipt to the end of fan-out.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomchat_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// StoreLatency records message store call latency by operation.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomchat_store_latency_seconds",
		Help:    "Message store operation latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})

	// FanoutRecipients records how many connections each broadcast reached.
	FanoutRecipients = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomchat_fanout_recipients",
		Help:    "Number of connections a single broadcast was written to",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
	})

	// RateLimitedTotal counts rejected attempts by rule.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_rate_limited_total",
		Help: "Total number of rate-limited attempts",
	}, []string{"rule"})

	// HistoryRequestsTotal counts history endpoint requests by status:
	// "ok" or "error".
	HistoryRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_history_requests_total",
		Help: "Total number of room history requests",
	}, []string{"status"})

	// ModerationFlagsTotal counts messages flagged by the moderator.
	ModerationFlagsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomchat_moderation_flags_total",
		Help: "Total number of messages flagged by moderation",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		EventsTotal,
		MessagesTotal,
		MessageLatency,
		StoreLatency,
		FanoutRecipients,
		RateLimitedTotal,
		HistoryRequestsTotal,
		ModerationFlagsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
