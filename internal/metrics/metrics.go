// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the gateway records into. Construct one per
// process with a dedicated registry; tests build their own to stay isolated.
type Metrics struct {
	ActiveConnections   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	MessagesReceived    prometheus.Counter
	MessagesSent        prometheus.Counter
	BroadcastsTotal     prometheus.Counter
	ErrorsTotal         *prometheus.CounterVec
	RateLimitViolations prometheus.Counter
	BackoffActivations  prometheus.Counter
	StreamsTotal        prometheus.Counter
	StreamDuration      prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Number of live WebSocket connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_connections_total",
			Help: "Total accepted WebSocket connections.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_messages_received_total",
			Help: "Total inbound frames processed.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_messages_sent_total",
			Help: "Total frames written to clients.",
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_broadcasts_total",
			Help: "Total broadcast operations.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_errors_total",
			Help: "Errors by type.",
		}, []string{"type"}),
		RateLimitViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_rate_limit_violations_total",
			Help: "Total rate limit violations.",
		}),
		BackoffActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_backoff_activations_total",
			Help: "Total backoff windows started.",
		}),
		StreamsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_streams_total",
			Help: "Total model streams started.",
		}),
		StreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_stream_duration_seconds",
			Help:    "Wall time of model streams.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectionsTotal,
		m.MessagesReceived,
		m.MessagesSent,
		m.BroadcastsTotal,
		m.ErrorsTotal,
		m.RateLimitViolations,
		m.BackoffActivations,
		m.StreamsTotal,
		m.StreamDuration,
	)
	return m
}
