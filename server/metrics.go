package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	connections   prometheus.Gauge
	sessions      prometheus.Gauge
	accepted      prometheus.Counter
	requests      *prometheus.CounterVec
	logins        *prometheus.CounterVec
	closed        *prometheus.CounterVec
	malformed     prometheus.Counter
	relayed       prometheus.Counter
	relayFailures prometheus.Counter
	tickDuration  prometheus.Histogram
}

// NewMetrics creates the relay collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const ns = "chatrelay"

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connections",
			Help:      "Number of open client connections",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "sessions",
			Help:      "Number of authenticated sessions",
		}),
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted connections",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Total number of decoded client requests",
		}, []string{"action"}),
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "logins_total",
			Help:      "Total number of handshake outcomes",
		}, []string{"result"}),
		closed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_closed_total",
			Help:      "Total number of torn down connections",
		}, []string{"reason"}),
		malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "malformed_frames_total",
			Help:      "Total number of frames that did not decode",
		}),
		relayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "messages_relayed_total",
			Help:      "Total number of chat messages delivered",
		}),
		relayFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "relay_failures_total",
			Help:      "Total number of chat messages that could not be delivered",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one event loop iteration",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
}
