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

	// RelayTurnsTotal counts finished relay turns by model and outcome.
	RelayTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_turns_total",
			Help: "Total relay turns by terminal outcome",
		},
		[]string{"model", "status"},
	)

	// RelayTurnDuration tracks wall-clock time of a relay turn.
	RelayTurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_turn_duration_seconds",
			Help:    "Relay turn duration including full stream drain",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// RelayDeltasTotal counts decoded text deltas.
	RelayDeltasTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deltas_total",
			Help: "Total incremental text deltas decoded from upstream streams",
		},
		[]string{"provider"},
	)

	// RelayDecodeSkipped counts stream lines dropped as malformed.
	RelayDecodeSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_decode_skipped_total",
			Help: "Stream lines discarded because their payload did not parse",
		},
		[]string{"provider"},
	)

	// RelayStreamsActive tracks open chat-process responses.
	RelayStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_streams_active",
			Help: "Number of chat-process responses currently streaming",
		},
	)

	// BlobsWrittenTotal counts content store puts by result (written or deduplicated).
	BlobsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobs_written_total",
			Help: "Content store puts by result",
		},
		[]string{"result"},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks persisted messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)

	// EventsPublishedTotal tracks NATS event publishing.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Conversation events published to JetStream",
		},
		[]string{"type", "result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordTurn records the outcome of one relay turn.
func RecordTurn(model, status string, duration float64) {
	RelayTurnDuration.WithLabelValues(model, status).Observe(duration)
	RelayTurnsTotal.WithLabelValues(model, status).Inc()
}

// IncrementStreams increments the active chat-process stream count.
func IncrementStreams() {
	RelayStreamsActive.Inc()
}

// DecrementStreams decrements the active chat-process stream count.
func DecrementStreams() {
	RelayStreamsActive.Dec()
}
