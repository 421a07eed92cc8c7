// Package liveserver is the server half of the wire protocol: a chi router
// exposing the call endpoint, the broadcast WebSocket, and the attachment
// upload endpoint, with group fan-out handled by an in-process hub.
package liveserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/livemorph/livemorph/pkg/protocol"
	"github.com/livemorph/livemorph/pkg/upload"
)

// Sentinel errors for call handling.
var (
	// ErrStaleComponent is returned by backends when the referenced
	// component identity no longer exists. It maps to the stale HTTP status.
	ErrStaleComponent = errors.New("liveserver: stale component")

	// ErrGroupDenied is returned by group authorizers to reject a
	// subscription.
	ErrGroupDenied = errors.New("liveserver: subscription denied")
)

// Download is a file attachment answer to a call, sent instead of a JSON
// envelope.
type Download struct {
	Filename    string
	ContentType string
	Content     []byte
}

// CallResult is a backend's answer to a call: a response envelope, or a
// download, never both.
type CallResult struct {
	Response *protocol.Response
	Download *Download
}

// Backend executes component method calls. Files are the claimed multipart
// attachments, in envelope order; the backend owns closing them. Returning
// ErrStaleComponent (wrapped or not) yields the stale HTTP status.
type Backend interface {
	Call(ctx context.Context, req *protocol.Request, files []*upload.File) (*CallResult, error)
}

// GroupAuthorizer decides whether a connection may subscribe to a group.
// Per-component identity groups bypass it.
type GroupAuthorizer func(ctx context.Context, group string) error

// AllowGroups authorizes exactly the named groups.
func AllowGroups(groups ...string) GroupAuthorizer {
	allowed := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		allowed[g] = struct{}{}
	}
	return func(_ context.Context, group string) error {
		if _, ok := allowed[group]; !ok {
			return ErrGroupDenied
		}
		return nil
	}
}

// Config configures the server.
type Config struct {
	// CallPath is the call endpoint route. Default: "/livemorph/call".
	CallPath string

	// SocketPath is the WebSocket route. Default: "/livemorph/socket".
	SocketPath string

	// UploadPath is the standalone upload route, mounted only when Uploads
	// is set. Default: "/livemorph/upload".
	UploadPath string

	// MetricsPath exposes the Prometheus handler when non-empty.
	MetricsPath string

	// StaleStatus is the status answering calls on dead identities.
	// Default: 410.
	StaleStatus int

	// VerifyCSRF validates the request's CSRF token. Optional; when nil no
	// check runs.
	VerifyCSRF func(r *http.Request) bool

	// Authorize gates group subscriptions. Optional; when nil every group
	// is allowed.
	Authorize GroupAuthorizer

	// Uploads parks multipart attachments. Optional; without it multipart
	// calls are rejected.
	Uploads upload.Store

	// MaxBodySize caps call request bodies. Default: 32 MiB.
	MaxBodySize int64

	// Middleware wraps the call, upload, and metrics routes, outermost
	// first. The socket route is excluded: response wrappers break the
	// connection hijack the upgrade needs.
	Middleware []func(http.Handler) http.Handler

	// Tracer traces call handling. Default: the global tracer provider.
	Tracer trace.Tracer

	// Logger receives server diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CallPath:    "/livemorph/call",
		SocketPath:  "/livemorph/socket",
		UploadPath:  "/livemorph/upload",
		StaleStatus: http.StatusGone,
		MaxBodySize: 32 << 20,
	}
}

// Server serves the wire protocol for one backend.
type Server struct {
	cfg     Config
	backend Backend
	hub     *Hub
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a server, filling config defaults.
func New(backend Backend, cfg Config) *Server {
	if cfg.CallPath == "" {
		cfg.CallPath = "/livemorph/call"
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/livemorph/socket"
	}
	if cfg.UploadPath == "" {
		cfg.UploadPath = "/livemorph/upload"
	}
	if cfg.StaleStatus == 0 {
		cfg.StaleStatus = http.StatusGone
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 32 << 20
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("livemorph/liveserver")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		backend: backend,
		hub:     NewHub(cfg.Authorize, cfg.Logger),
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
	}
}

// Hub returns the broadcast hub for server-initiated notifications.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router builds the server's chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(s.cfg.Middleware...)
		r.Post(s.cfg.CallPath, s.handleCall)
		if s.cfg.Uploads != nil {
			r.Post(s.cfg.UploadPath, upload.Handler(s.cfg.Uploads, upload.DefaultConfig()).ServeHTTP)
		}
		if s.cfg.MetricsPath != "" {
			r.Handle(s.cfg.MetricsPath, promhttp.Handler())
		}
	})
	r.Get(s.cfg.SocketPath, s.hub.ServeHTTP)
	return r
}
