package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Metrics = struct {
	MessagesSent       *prometheus.CounterVec
	MessagesReceived   *prometheus.CounterVec
	Reconnects         prometheus.Counter
	StateTransitions   *prometheus.CounterVec
	ActiveConnections  prometheus.Gauge
	QueueEvictions     prometheus.Counter
	QueueDropped       prometheus.Counter
	HeartbeatsSent     prometheus.Counter
	HeartbeatTimeouts  prometheus.Counter
	ProtocolErrors     prometheus.Counter
	HandlerPanics      prometheus.Counter
	UploadsTotal       *prometheus.CounterVec
	UploadDuration     *prometheus.HistogramVec
	JournalWriteErrors prometheus.Counter
}{
	MessagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kefu",
		Name:      "messages_sent_total",
		Help:      "Messages handed to the transport by message type.",
	}, []string{"type"}),

	MessagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kefu",
		Name:      "messages_received_total",
		Help:      "Inbound messages dispatched to subscribers by message type.",
	}, []string{"type"}),

	Reconnects: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kefu",
		Name:      "reconnects_total",
		Help:      "Successful reconnections after a lost connection.",
	}),

	StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kefu",
		Name:      "state_transitions_total",
		Help:      "Connection state transitions by target state.",
	}, []string{"state"}),

	ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kefu",
		Name:      "active_connections",
		Help:      "Number of channel clients currently connected.",
	}),

	QueueEvictions: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kefu",
		Name:      "queue_evictions_total",
		Help:      "Queued messages evicted because the outbound queue was full.",
	}),

	QueueDropped: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kefu",
		Name:      "queue_dropped_total",
		Help:      "Queued messages discarded by an explicit disconnect.",
	}),

	HeartbeatsSent: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kefu",
		Name:      "heartbeats_sent_total",
		Help:      "Heartbeat probes handed to the transport.",
	}),

	HeartbeatTimeouts: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kefu",
		Name:      "heartbeat_timeouts_total",
		Help:      "Connections closed because no inbound activity was seen.",
	}),

	ProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kefu",
		Name:      "protocol_errors_total",
		Help:      "Inbound payloads dropped because they could not be parsed.",
	}),

	HandlerPanics: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kefu",
		Name:      "handler_panics_total",
		Help:      "Event handlers that panicked during dispatch.",
	}),

	UploadsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kefu",
		Name:      "uploads_total",
		Help:      "File and voice uploads by kind and status.",
	}, []string{"kind", "status"}),

	UploadDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kefu",
		Name:      "upload_duration_seconds",
		Help:      "Upload duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"}),

	JournalWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kefu",
		Name:      "journal_write_errors_total",
		Help:      "Journal entries that failed to persist.",
	}),
}
