// Package metrics provides Prometheus instrumentation for the relay. It exposes
// gauges for connections and buffered messages, counters for message outcomes,
// deliveries, bus traffic and flushes, and a histogram for flush latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live sessions on this node.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of live WebSocket sessions",
	})

	// SessionsSuperseded counts sessions replaced by a newer connection for
	// the same user.
	SessionsSuperseded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_superseded_total",
		Help: "Sessions closed because the same user connected again",
	})

	// MessagesTotal counts chat submissions by outcome: "allowed", "banned",
	// "spam_triggered" or "invalid".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of chat messages submitted, by moderation outcome",
	}, []string{"outcome"})

	// DeliveryFailures counts sends that failed and caused a session to be
	// pruned.
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_delivery_failures_total",
		Help: "Envelope sends that failed and removed the session",
	})

	// BusEvents counts distribution bus traffic.
	BusEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bus_events_total",
		Help: "Distribution bus events",
	}, []string{"direction", "result"}) // direction = "out", "in"; result = "ok", "error", "skipped"

	// FlushesTotal counts durable store flush attempts by result.
	FlushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_flushes_total",
		Help: "Durable store flush attempts",
	}, []string{"result"}) // result = "ok", "error"

	// FlushDuration records the latency of one batch insert.
	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_flush_duration_seconds",
		Help:    "Durable store batch insert latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// BufferedMessages tracks messages not yet persisted.
	BufferedMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_buffered_messages",
		Help: "Messages waiting to be written to the durable store",
	})

	// DeadLetters counts messages abandoned after exhausting their retries.
	DeadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_dead_letters_total",
		Help: "Messages dropped from the durable buffer after too many failed flushes",
	})

	// LoopFaults counts failed or panicking supervisor loop iterations.
	LoopFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_loop_faults_total",
		Help: "Failed or panicking background loop iterations",
	}, []string{"loop"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsSuperseded,
		MessagesTotal,
		DeliveryFailures,
		BusEvents,
		FlushesTotal,
		FlushDuration,
		BufferedMessages,
		DeadLetters,
		LoopFaults,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
