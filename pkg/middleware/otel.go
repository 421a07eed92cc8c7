package middleware

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelConfig configures the tracing middleware.
type OTelConfig struct {
	// TracerName identifies the tracer. Default: "livemorph/http".
	TracerName string

	// Tracer overrides the tracer obtained from the global provider.
	Tracer trace.Tracer

	// Filter skips tracing for requests where it returns false.
	Filter func(*http.Request) bool
}

// OTelOption customizes the tracing middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) { c.TracerName = name }
}

// WithTracer sets an explicit tracer.
func WithTracer(t trace.Tracer) OTelOption {
	return func(c *OTelConfig) { c.Tracer = t }
}

// WithFilter sets a predicate deciding which requests get a span.
func WithFilter(f func(*http.Request) bool) OTelOption {
	return func(c *OTelConfig) { c.Filter = f }
}

// OTel returns middleware that opens a server span per request, named
// "<METHOD> <path>", and marks the span as an error on 5xx responses.
func OTel(opts ...OTelOption) func(http.Handler) http.Handler {
	cfg := OTelConfig{TracerName: "livemorph/http"}
	for _, opt := range opts {
		opt(&cfg)
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(cfg.TracerName)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Filter != nil && !cfg.Filter(r) {
				next.ServeHTTP(w, r)
				return
			}

			ctx, span := tracer.Start(r.Context(), fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
				),
			)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rec.status))
			if rec.status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}
