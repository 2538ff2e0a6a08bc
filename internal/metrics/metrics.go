// Package metrics exposes the bridge's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message flow metrics
	messagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rabbit_force_messages_received_total",
			Help: "Total number of messages received from the Streaming API",
		},
		[]string{"org", "channel"},
	)

	messagesForwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rabbit_force_messages_forwarded_total",
			Help: "Total number of messages forwarded to a broker",
		},
		[]string{"org", "broker", "exchange"},
	)

	messagesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rabbit_force_messages_dropped_total",
			Help: "Total number of messages dropped without a matching route",
		},
		[]string{"org", "channel"},
	)

	publishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rabbit_force_publish_duration_seconds",
			Help:    "Broker publish duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"broker"},
	)

	// Failure metrics
	sinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rabbit_force_sink_errors_total",
			Help: "Total number of failed broker publishes",
		},
		[]string{"broker"},
	)

	replayStoreErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rabbit_force_replay_store_errors_total",
			Help: "Total number of failed replay marker operations",
		},
	)

	sourceReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rabbit_force_source_reconnects_total",
			Help: "Total number of streaming connection recoveries",
		},
		[]string{"org"},
	)
)

// RecordMessageReceived records a message received from a streaming channel.
func RecordMessageReceived(org, channel string) {
	messagesReceivedTotal.WithLabelValues(org, channel).Inc()
}

// RecordMessageForwarded records a successful publish.
func RecordMessageForwarded(org, broker, exchange string, duration time.Duration) {
	messagesForwardedTotal.WithLabelValues(org, broker, exchange).Inc()
	publishDuration.WithLabelValues(broker).Observe(duration.Seconds())
}

// RecordMessageDropped records a message no rule matched.
func RecordMessageDropped(org, channel string) {
	messagesDroppedTotal.WithLabelValues(org, channel).Inc()
}

// RecordSinkError records a failed publish.
func RecordSinkError(broker string) {
	sinkErrorsTotal.WithLabelValues(broker).Inc()
}

// RecordReplayStoreError records a failed replay marker read or write.
func RecordReplayStoreError() {
	replayStoreErrorsTotal.Inc()
}

// RecordSourceReconnect records a streaming connection recovery.
func RecordSourceReconnect(org string) {
	sourceReconnectsTotal.WithLabelValues(org).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
