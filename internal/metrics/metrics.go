// Package metrics exposes Prometheus instrumentation for session lifecycle
// and queue activity. It is optional: the session and dispatch packages
// skip instrumentation when handed a nil *Metrics. New registers against
// Config.Registry, or prometheus.DefaultRegisterer when that is nil.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the metrics namespace and registration target.
type Config struct {
	// Namespace prefixes every metric name. Default: "browserchannel".
	Namespace string

	// ConstLabels are attached to every metric.
	ConstLabels prometheus.Labels

	// Registry is where metrics are registered. Default:
	// prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Metrics holds the counters and gauges the registry and session state
// machine report into.
type Metrics struct {
	SessionsCreated    prometheus.Counter
	SessionsClosed     *prometheus.CounterVec // label: reason
	ActiveSessions     prometheus.Gauge
	ArraysQueued       prometheus.Counter
	ArraysSent         prometheus.Counter
	ArraysAcked        prometheus.Counter
	BackChannelRebinds prometheus.Counter
	DecoderErrors      *prometheus.CounterVec // label: kind
	SessionsPerIP      *prometheus.GaugeVec   // label: ip
	AddressDrift       prometheus.Counter
}

// New registers and returns a Metrics instance. Passing a zero Config is
// valid and registers against prometheus.DefaultRegisterer under the
// "browserchannel" namespace.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "browserchannel"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "sessions_created_total",
			Help:        "Total number of sessions created.",
			ConstLabels: cfg.ConstLabels,
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "sessions_closed_total",
			Help:        "Total number of sessions closed, by reason.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "active_sessions",
			Help:        "Number of sessions currently in the registry.",
			ConstLabels: cfg.ConstLabels,
		}),
		ArraysQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "arrays_queued_total",
			Help:        "Total number of outgoing arrays queued.",
			ConstLabels: cfg.ConstLabels,
		}),
		ArraysSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "arrays_sent_total",
			Help:        "Total number of outgoing arrays written to a back channel.",
			ConstLabels: cfg.ConstLabels,
		}),
		ArraysAcked: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "arrays_acked_total",
			Help:        "Total number of outgoing arrays acknowledged by a client.",
			ConstLabels: cfg.ConstLabels,
		}),
		BackChannelRebinds: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "back_channel_rebinds_total",
			Help:        "Total number of times a back channel was replaced.",
			ConstLabels: cfg.ConstLabels,
		}),
		DecoderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "decoder_errors_total",
			Help:        "Total number of forward-payload decode failures, by kind.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),
		SessionsPerIP: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "sessions_per_ip",
			Help:        "Number of live sessions for a given source IP.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"ip"}),
		AddressDrift: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "address_drift_total",
			Help:        "Total number of bind requests whose resolved client address differed from the session's address at creation.",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}
