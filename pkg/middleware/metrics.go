// Package middleware provides HTTP middleware for livemorph servers:
// Prometheus request metrics and OpenTelemetry tracing.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the request metrics middleware.
type MetricsConfig struct {
	// Namespace for metric names. Default: "livemorph".
	Namespace string

	// Subsystem for metric names. Default: "http".
	Subsystem string

	// Buckets for the request duration histogram.
	// Default: prometheus.DefBuckets.
	Buckets []float64

	// Registry to register metrics with.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// ConstLabels attached to every metric.
	ConstLabels prometheus.Labels
}

// MetricsOption customizes the metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithMetricsNamespace sets the metric namespace.
func WithMetricsNamespace(ns string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = ns }
}

// WithMetricsSubsystem sets the metric subsystem.
func WithMetricsSubsystem(sub string) MetricsOption {
	return func(c *MetricsConfig) { c.Subsystem = sub }
}

// WithMetricsBuckets sets the duration histogram buckets.
func WithMetricsBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) { c.Buckets = buckets }
}

// WithMetricsRegistry sets the Prometheus registry.
func WithMetricsRegistry(reg prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) { c.Registry = reg }
}

// WithMetricsConstLabels sets labels attached to every metric.
func WithMetricsConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

// Metrics returns middleware that records a request counter and a
// duration histogram, labeled by path, method, and status code.
func Metrics(opts ...MetricsOption) func(http.Handler) http.Handler {
	cfg := MetricsConfig{
		Namespace: "livemorph",
		Subsystem: "http",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.Registry)

	requests := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "requests_total",
		Help:        "Total HTTP requests served.",
		ConstLabels: cfg.ConstLabels,
	}, []string{"path", "method", "status"})

	duration := factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Subsystem:   cfg.Subsystem,
		Name:        "request_duration_seconds",
		Help:        "HTTP request duration in seconds.",
		ConstLabels: cfg.ConstLabels,
		Buckets:     cfg.Buckets,
	}, []string{"path", "method", "status"})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			status := strconv.Itoa(rec.status)
			requests.WithLabelValues(r.URL.Path, r.Method, status).Inc()
			duration.WithLabelValues(r.URL.Path, r.Method, status).Observe(time.Since(start).Seconds())
		})
	}
}

// statusRecorder captures the status code written by the handler.
// Hijack is deliberately not forwarded: WebSocket upgrades bypass the
// recorder, so the hub's socket endpoint should not sit behind it.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.written {
		r.status = status
		r.written = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}
