// Package livemorph assembles the client side of the sync stack: one
// registry, one HTTP caller, one shared WebSocket, the call engine, the
// offline queue, and the subscription manager, wired together the way a
// browser runtime would hold them.
package livemorph

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/livemorph/livemorph/pkg/dom"
	"github.com/livemorph/livemorph/pkg/engine"
	"github.com/livemorph/livemorph/pkg/events"
	"github.com/livemorph/livemorph/pkg/metrics"
	"github.com/livemorph/livemorph/pkg/queue"
	"github.com/livemorph/livemorph/pkg/runtime"
	"github.com/livemorph/livemorph/pkg/subscribe"
	"github.com/livemorph/livemorph/pkg/transport"
)

// Config configures a Client.
type Config struct {
	// CallEndpoint is the component call URL. Required.
	CallEndpoint string

	// SocketURL is the broadcast WebSocket URL. Optional; without it the
	// client runs call-only, with no group subscriptions and no
	// reconnect-triggered queue drains.
	SocketURL string

	// CSRFToken is sent on every call.
	CSRFToken string

	// PageURL is the current full page URL, sent on every call.
	PageURL string

	// HTTPClient overrides the call transport's HTTP client.
	HTTPClient *http.Client

	// Assets loads scripts and styles referenced by responses. Optional.
	Assets engine.AssetLoader

	// Redirect handles server-commanded navigation. Optional.
	Redirect func(url string)

	// Download handles file attachment responses. Optional.
	Download func(d *transport.Download) error

	// RetryDelay paces queue replay. Default: queue.DefaultRetryDelay.
	RetryDelay time.Duration

	// Metrics records client instrumentation. Optional.
	Metrics *metrics.Metrics

	// Logger receives diagnostics from every layer. Default: slog.Default().
	Logger *slog.Logger
}

// Client is an assembled client runtime.
type Client struct {
	registry *runtime.Registry
	engine   *engine.Engine
	queue    *queue.Queue
	subs     *subscribe.Manager
	socket   *transport.Socket
}

// NewClient wires the client stack from one config. Connect must be called
// before broadcasts flow; calls work immediately.
func NewClient(cfg Config) (*Client, error) {
	if cfg.CallEndpoint == "" {
		return nil, errors.New("livemorph: CallEndpoint is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	emitter := events.NewEmitter()
	registry := runtime.NewRegistry(cfg.Logger, emitter)

	caller := transport.NewHTTPCaller(transport.HTTPConfig{
		Endpoint:  cfg.CallEndpoint,
		CSRFToken: cfg.CSRFToken,
		PageURL:   cfg.PageURL,
		Client:    cfg.HTTPClient,
		Logger:    cfg.Logger,
	})

	var (
		socket *transport.Socket
		subs   *subscribe.Manager
		engSub engine.Subscriptions
	)
	if cfg.SocketURL != "" {
		socket = transport.NewSocket(transport.SocketConfig{
			URL:    cfg.SocketURL,
			Logger: cfg.Logger,
		}, emitter)
		subs = subscribe.New(registry, socket, subscribe.Config{
			Metrics: cfg.Metrics,
			Logger:  cfg.Logger,
		})
		engSub = subs
	}

	eng := engine.New(engine.Config{
		Registry:      registry,
		Caller:        caller,
		Subscriptions: engSub,
		Assets:        cfg.Assets,
		Metrics:       cfg.Metrics,
		Redirect:      cfg.Redirect,
		Download:      cfg.Download,
		Logger:        cfg.Logger,
	})

	q := queue.New(eng, registry, queue.Config{
		RetryDelay: cfg.RetryDelay,
		Metrics:    cfg.Metrics,
		Logger:     cfg.Logger,
	})

	if socket != nil {
		subs.SetRefresher(eng)
		subs.Bind(socket)
		q.Bind(socket)
	}

	return &Client{
		registry: registry,
		engine:   eng,
		queue:    q,
		subs:     subs,
		socket:   socket,
	}, nil
}

// Connect opens the shared WebSocket. No-op without a SocketURL.
func (c *Client) Connect(ctx context.Context) error {
	if c.socket == nil {
		return nil
	}
	return c.socket.Connect(ctx)
}

// Close shuts the WebSocket down.
func (c *Client) Close() error {
	if c.socket == nil {
		return nil
	}
	return c.socket.Close()
}

// Mount parses a server-rendered fragment and registers it as a live
// component. The fragment's root element must carry a component identity.
func (c *Client) Mount(fragment string) (*runtime.Component, error) {
	root, err := dom.ParseOne(fragment)
	if err != nil {
		return nil, err
	}
	return c.engine.Mount(root, nil)
}

// Call invokes a server method on a component. Network failures queue the
// call for replay; the returned pending entry is non-nil in that case and
// its Result resolves once the queue drains.
func (c *Client) Call(ctx context.Context, comp *runtime.Component, method string, args ...any) (any, *queue.Call, error) {
	return c.queue.Do(ctx, comp, method, args...)
}

// Refresh asks the server to re-render a component.
func (c *Client) Refresh(ctx context.Context, comp *runtime.Component) error {
	return c.engine.Refresh(ctx, comp)
}

// Remove tears a component down locally.
func (c *Client) Remove(comp *runtime.Component) {
	c.engine.Remove(comp)
}

// Registry returns the component directory.
func (c *Client) Registry() *runtime.Registry {
	return c.registry
}

// Engine returns the call engine.
func (c *Client) Engine() *engine.Engine {
	return c.engine
}

// Queue returns the offline queue.
func (c *Client) Queue() *queue.Queue {
	return c.queue
}

// Subscriptions returns the subscription manager, or nil when the client
// runs call-only.
func (c *Client) Subscriptions() *subscribe.Manager {
	return c.subs
}

// Events returns the shared lifecycle event emitter.
func (c *Client) Events() *events.Emitter {
	return c.registry.Emitter()
}
