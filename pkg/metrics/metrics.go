// Package metrics exposes Prometheus instrumentation for the sync engine:
// call outcomes and latency, offline queue depth and drains, socket
// reconnects, and subscription dedup effectiveness.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures metric registration.
type Config struct {
	// Namespace is the metrics namespace (default: "livemorph").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for call duration.
	// Default: prometheus.DefBuckets.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Option configures metric registration.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "livemorph",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the engine's instruments.
type Metrics struct {
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec

	queueDepth  prometheus.Gauge
	queueDrains prometheus.Counter

	socketReconnects prometheus.Counter
	subscribeDeduped prometheus.Counter
}

// New registers and returns the engine metrics.
func New(opts ...Option) *Metrics {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "calls_total",
			Help:        "Component method calls by outcome.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"outcome"}),
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "call_duration_seconds",
			Help:        "Component method call duration.",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"outcome"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "queue_depth",
			Help:        "Calls currently held in the offline queue.",
			ConstLabels: cfg.ConstLabels,
		}),
		queueDrains: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "queue_drains_total",
			Help:        "Offline queue drain cycles.",
			ConstLabels: cfg.ConstLabels,
		}),
		socketReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "socket_reconnects_total",
			Help:        "WebSocket reconnections.",
			ConstLabels: cfg.ConstLabels,
		}),
		subscribeDeduped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "subscribe_deduped_total",
			Help:        "Group joins and leaves absorbed without wire traffic.",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

// ObserveCall records one call with its outcome and duration.
func (m *Metrics) ObserveCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(outcome).Inc()
	m.callDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetQueueDepth records the current offline queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// IncQueueDrain records a drain cycle.
func (m *Metrics) IncQueueDrain() {
	if m == nil {
		return
	}
	m.queueDrains.Inc()
}

// IncSocketReconnect records a reconnection.
func (m *Metrics) IncSocketReconnect() {
	if m == nil {
		return
	}
	m.socketReconnects.Inc()
}

// IncSubscribeDeduped records a join/leave absorbed locally.
func (m *Metrics) IncSubscribeDeduped() {
	if m == nil {
		return
	}
	m.subscribeDeduped.Inc()
}
