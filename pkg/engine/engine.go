// Package engine drives component method calls: it snapshots state into a
// request envelope, transmits it, and applies the response's effects (state
// replacement, DOM morphing, commands, messages) back onto the live
// component, with per-component ordering fences for out-of-order responses.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/livemorph/livemorph/pkg/dom"
	"github.com/livemorph/livemorph/pkg/events"
	"github.com/livemorph/livemorph/pkg/metrics"
	"github.com/livemorph/livemorph/pkg/protocol"
	"github.com/livemorph/livemorph/pkg/runtime"
	"github.com/livemorph/livemorph/pkg/transport"
)

// RefreshMethod is the reserved server method that re-renders a component
// without invoking application logic.
const RefreshMethod = "$refresh"

// Caller transmits a call envelope and returns the transport outcome.
// *transport.HTTPCaller is the production implementation.
type Caller interface {
	Do(ctx context.Context, req *protocol.Request, files []transport.File) (*transport.Result, error)
}

// Subscriptions keeps a component's wire subscriptions aligned with the
// groups its markup declares, and releases them on removal.
type Subscriptions interface {
	Sync(c *runtime.Component, groups []string)
	Drop(c *runtime.Component)
}

// AssetLoader fetches an external script or stylesheet referenced by a
// response. Loads block effect application so morphed markup never runs
// ahead of the code it depends on.
type AssetLoader interface {
	Load(ctx context.Context, asset protocol.Asset) error
}

// Config configures the call engine.
type Config struct {
	// Registry is the component directory. Required.
	Registry *runtime.Registry

	// Caller transmits call envelopes. Required.
	Caller Caller

	// Subscriptions re-derives group membership after morphs. Optional.
	Subscriptions Subscriptions

	// Assets loads external scripts and styles. Optional; when nil,
	// referenced assets are skipped.
	Assets AssetLoader

	// Metrics records call outcomes. Optional.
	Metrics *metrics.Metrics

	// Redirect handles server-commanded navigation. Optional.
	Redirect func(url string)

	// Download handles file attachment responses and download commands.
	// Optional.
	Download func(d *transport.Download) error

	// Tracer traces calls. Default: the global tracer provider.
	Tracer trace.Tracer

	// Logger receives engine diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// Engine executes component method calls against a transport.
type Engine struct {
	registry *runtime.Registry
	emitter  *events.Emitter
	caller   Caller
	subs     Subscriptions
	assets   AssetLoader
	metrics  *metrics.Metrics
	redirect func(string)
	download func(*transport.Download) error
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New creates an engine, filling config defaults. The emitter is shared
// with the registry so lifecycle and call events land in one stream.
func New(cfg Config) *Engine {
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("livemorph/engine")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		registry: cfg.Registry,
		emitter:  cfg.Registry.Emitter(),
		caller:   cfg.Caller,
		subs:     cfg.Subscriptions,
		assets:   cfg.Assets,
		metrics:  cfg.Metrics,
		redirect: cfg.Redirect,
		download: cfg.Download,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
	}
}

// Emitter returns the engine's event emitter.
func (e *Engine) Emitter() *events.Emitter {
	return e.emitter
}

// Registry returns the component directory.
func (e *Engine) Registry() *runtime.Registry {
	return e.registry
}

// NewRequestID generates a request correlation id.
func NewRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return hex.EncodeToString(b)
}

// Mount registers a component handle for a live subtree. The identity is
// read from the markup; the parent may be nil for top-level components.
func (e *Engine) Mount(root *dom.Node, parent *runtime.Component) (*runtime.Component, error) {
	if root == nil {
		return nil, errors.New("engine: mount requires a root node")
	}
	id := root.Attr(dom.AttrID)
	if id == "" {
		return nil, errors.New("engine: root node carries no component identity")
	}
	c := runtime.NewComponent(id, root.Attr(dom.AttrKey), parent)
	c.Root = root
	e.registry.Register(c)
	if e.subs != nil {
		e.subs.Sync(c, c.DeclaredGroups())
	}
	return c, nil
}

// Call invokes a server method on a component and applies the response.
// The returned value is the method's result. Application errors arrive as
// *protocol.Error; transport failures as the transport package's errors.
func (e *Engine) Call(ctx context.Context, c *runtime.Component, method string, args ...any) (any, error) {
	start := time.Now()
	reqID := NewRequestID()
	seq := c.NextSeq()

	ctx, span := e.tracer.Start(ctx, "livemorph.call", trace.WithAttributes(
		attribute.String("livemorph.component", c.ID),
		attribute.String("livemorph.method", method),
	))
	defer span.End()

	e.emitter.EmitNamed(events.BeforeRequest, c.ID, map[string]any{
		"request_id": reqID,
		"method":     method,
	})
	c.Active().Begin(reqID)

	req, files := e.buildRequest(reqID, c, method, args)
	res, err := e.caller.Do(ctx, req, files)

	c.Active().End(reqID)
	e.emitter.EmitNamed(events.AfterRequest, c.ID, map[string]any{
		"request_id": reqID,
		"method":     method,
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.ObserveCall(outcomeOf(err), time.Since(start))
		if errors.Is(err, transport.ErrStaleComponent) {
			e.handleStale(c)
		}
		return nil, err
	}

	result, err := e.ApplyResult(ctx, c, res, seq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.ObserveCall(outcomeOf(err), time.Since(start))
	return result, err
}

// Refresh asks the server to re-render the component without running
// application logic. Notification handlers use it when a data patch is not
// enough.
func (e *Engine) Refresh(ctx context.Context, c *runtime.Component) error {
	_, err := e.Call(ctx, c, RefreshMethod)
	return err
}

// Remove tears a component down: children first, then subscriptions, the
// registry entry, and the live subtree.
func (e *Engine) Remove(c *runtime.Component) {
	for _, child := range c.Children() {
		e.Remove(child)
	}
	e.emitter.EmitNamed(events.ComponentBeforeRemove, c.ID, nil)
	if e.subs != nil {
		e.subs.Drop(c)
	}
	e.registry.Unregister(c.ID)
	if c.Root != nil {
		c.Root.Detach()
	}
}

// handleStale reacts to the server disowning a component identity. The
// instance cannot recover, so it is removed outright.
func (e *Engine) handleStale(c *runtime.Component) {
	e.logger.Warn("component is stale, tearing down", "component", c.ID)
	e.emitter.EmitNamed(events.ComponentStale, c.ID, nil)
	e.Remove(c)
}

// outcomeOf maps a call error to a metrics outcome label.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, transport.ErrStaleComponent):
		return "stale"
	case transport.IsNetwork(err):
		return "network"
	default:
		var appErr *protocol.Error
		if errors.As(err, &appErr) {
			return "app_error"
		}
		if _, ok := transport.StatusOf(err); ok {
			return "status"
		}
		return "error"
	}
}
