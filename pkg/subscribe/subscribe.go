// Package subscribe manages group subscriptions: local membership is
// tracked in the registry so that N components sharing a group cost one
// wire subscription, and inbound broadcasts are fanned out to members with
// self-originated echoes suppressed.
package subscribe

import (
	"context"
	"log/slog"
	"strings"

	"github.com/livemorph/livemorph/pkg/events"
	"github.com/livemorph/livemorph/pkg/metrics"
	"github.com/livemorph/livemorph/pkg/protocol"
	"github.com/livemorph/livemorph/pkg/runtime"
	"github.com/livemorph/livemorph/pkg/transport"
)

// identityPrefix marks the automatic per-component group every instance is
// addressable through without declaring it in markup.
const identityPrefix = "component:"

// IdentityGroup returns the automatic group name for a component identity.
func IdentityGroup(id string) string {
	return identityPrefix + id
}

// Wire sends subscription traffic. *transport.Socket implements it.
type Wire interface {
	Send(n *protocol.Notification) error
}

// Refresher re-fetches or tears down components in reaction to broadcasts.
// *engine.Engine implements it.
type Refresher interface {
	Refresh(ctx context.Context, c *runtime.Component) error
	Remove(c *runtime.Component)
}

// Config configures the subscription manager.
type Config struct {
	// Metrics records dedup hits. Optional.
	Metrics *metrics.Metrics

	// Logger receives subscription diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// Manager keeps component group membership and the wire subscription set
// aligned, and dispatches inbound notifications.
type Manager struct {
	registry  *runtime.Registry
	emitter   *events.Emitter
	wire      Wire
	refresher Refresher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a manager. The refresher may be set later via SetRefresher
// when construction order demands it.
func New(registry *runtime.Registry, wire Wire, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		emitter:  registry.Emitter(),
		wire:     wire,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// SetRefresher wires the call engine in after construction.
func (m *Manager) SetRefresher(r Refresher) {
	m.refresher = r
}

// Bind installs the manager as the socket's notification handler and
// resubscribes every active group after reconnects.
func (m *Manager) Bind(s *transport.Socket) {
	s.SetHandler(func(n *protocol.Notification) {
		m.HandleNotification(context.Background(), n)
	})
	s.OnReconnect(m.Resubscribe)
}

// Subscribe adds a component to a group. Only the group's first local
// member costs a wire message.
func (m *Manager) Subscribe(c *runtime.Component, group string) error {
	first := m.registry.GroupJoin(group, c.ID)
	if first {
		if err := m.wire.Send(protocol.NewSubscribe(group)); err != nil {
			return err
		}
	} else {
		m.metrics.IncSubscribeDeduped()
	}
	m.emitter.EmitNamed(events.ComponentSubscribed, c.ID, map[string]any{"group": group})
	return nil
}

// Unsubscribe removes a component from a group. Only the group's last
// local member costs a wire message.
func (m *Manager) Unsubscribe(c *runtime.Component, group string) error {
	last := m.registry.GroupLeave(group, c.ID)
	if last {
		if err := m.wire.Send(protocol.NewUnsubscribe(group)); err != nil {
			return err
		}
	} else {
		m.metrics.IncSubscribeDeduped()
	}
	m.emitter.EmitNamed(events.ComponentUnsubscribed, c.ID, map[string]any{"group": group})
	return nil
}

// Sync reconciles a component's memberships against the groups its markup
// declares, joining new ones and leaving dropped ones.
func (m *Manager) Sync(c *runtime.Component, groups []string) {
	want := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		want[g] = struct{}{}
	}
	for _, g := range m.registry.MemberGroups(c.ID) {
		if _, keep := want[g]; keep {
			delete(want, g)
			continue
		}
		if err := m.Unsubscribe(c, g); err != nil {
			m.logger.Warn("unsubscribe failed", "group", g, "component", c.ID, "error", err)
		}
	}
	for g := range want {
		if err := m.Subscribe(c, g); err != nil {
			m.logger.Warn("subscribe failed", "group", g, "component", c.ID, "error", err)
		}
	}
}

// Drop releases every membership a component holds. Used at teardown.
func (m *Manager) Drop(c *runtime.Component) {
	for _, g := range m.registry.MemberGroups(c.ID) {
		if err := m.Unsubscribe(c, g); err != nil {
			m.logger.Warn("unsubscribe failed", "group", g, "component", c.ID, "error", err)
		}
	}
}

// Notify broadcasts a client-originated event to a group. The component's
// identity rides along as the sender so its own echo can be suppressed.
func (m *Manager) Notify(c *runtime.Component, group, event string, detail map[string]any) error {
	return m.wire.Send(protocol.NewNotify(group, c.ID, event, detail))
}

// Resubscribe replays a subscribe for every group with at least one local
// member. The socket calls it after reconnecting, since the server side of
// a new connection starts with no subscriptions.
func (m *Manager) Resubscribe() {
	for _, g := range m.registry.Groups() {
		if err := m.wire.Send(protocol.NewSubscribe(g)); err != nil {
			m.logger.Warn("resubscribe failed", "group", g, "error", err)
			continue
		}
		for _, id := range m.registry.GroupMembers(g) {
			m.emitter.EmitNamed(events.ComponentResubscribed, id, map[string]any{"group": g})
		}
	}
}

// HandleNotification dispatches an inbound server notification.
func (m *Manager) HandleNotification(ctx context.Context, n *protocol.Notification) {
	switch n.Type {
	case protocol.TypeSubscriptionResponse:
		m.handleSubscriptionResponse(n)
	case protocol.TypeNotify:
		m.handleNotify(n)
	case protocol.TypeDataChanged:
		m.handleDataChanged(ctx, n)
	case protocol.TypeRemoved:
		m.handleRemoved(n)
	case protocol.TypeCreated:
		m.handleCreated(ctx, n)
	default:
		m.logger.Warn("unhandled notification type", "type", n.Type)
	}
}

// members resolves a group to live components: the membership map first,
// the automatic identity group next, and declared markup groups as the
// fallback for components registered after the map was last synced.
func (m *Manager) members(group string) []*runtime.Component {
	ids := m.registry.GroupMembers(group)
	if len(ids) > 0 {
		out := make([]*runtime.Component, 0, len(ids))
		for _, id := range ids {
			if c := m.registry.Get(id); c != nil {
				out = append(out, c)
			}
		}
		return out
	}
	if id, ok := strings.CutPrefix(group, identityPrefix); ok {
		if c := m.registry.Get(id); c != nil {
			return []*runtime.Component{c}
		}
		return nil
	}
	return m.registry.ScanDeclared(group)
}

// targets resolves a notification to the components it addresses. An
// explicit component identity in the payload narrows delivery to that one
// instance; group-wide resolution is the fallback for broadcasts that name
// nobody, or name an identity this client never mounted.
func (m *Manager) targets(n *protocol.Notification) []*runtime.Component {
	if id := n.Payload.Component; id != "" {
		if c := m.registry.Get(id); c != nil {
			return []*runtime.Component{c}
		}
	}
	return m.members(n.Group)
}

// handleSubscriptionResponse reacts to the server's verdict on a subscribe.
// A rejection is authoritative: the optimistic local membership is undone.
func (m *Manager) handleSubscriptionResponse(n *protocol.Notification) {
	if n.Payload.Success {
		return
	}
	m.logger.Warn("subscription rejected", "group", n.Group, "error", n.Payload.Error)
	for _, c := range m.members(n.Group) {
		m.registry.GroupLeave(n.Group, c.ID)
		m.emitter.EmitNamed(events.ComponentSubscriptionError, c.ID, map[string]any{
			"group": n.Group,
			"error": n.Payload.Error,
		})
	}
}

// handleNotify fans a peer broadcast out to group members as a named event.
func (m *Manager) handleNotify(n *protocol.Notification) {
	detail, _ := n.Payload.Detail.(map[string]any)
	for _, c := range m.targets(n) {
		if n.Sender != "" && n.Sender == c.ID {
			continue
		}
		m.emitter.EmitNamed(n.Payload.Event, c.ID, detail)
	}
}

// handleDataChanged patches member state with the broadcast data, or
// re-fetches the component when the broadcast carries none. A member whose
// own in-flight or just-completed call produced the broadcast is skipped:
// its call response already carried the fresher effects.
func (m *Manager) handleDataChanged(ctx context.Context, n *protocol.Notification) {
	for _, c := range m.targets(n) {
		if n.Sender != "" && c.Active().Contains(n.Sender) {
			m.logger.Debug("suppressing echo update", "component", c.ID, "sender", n.Sender)
			continue
		}
		if n.Payload.Data != nil {
			c.PatchState(n.Payload.Data)
			m.emitter.EmitNamed(events.ComponentDataUpdated, c.ID, nil)
			continue
		}
		if m.refresher == nil {
			continue
		}
		if err := m.refresher.Refresh(ctx, c); err != nil {
			m.logger.Warn("refresh after broadcast failed", "component", c.ID, "error", err)
		}
	}
}

// handleRemoved tears down every resolved component. When nothing resolves,
// the identified node may still sit inside another component's markup, for
// instance a list row the parent rendered without mounting; that node is
// detached directly.
func (m *Manager) handleRemoved(n *protocol.Notification) {
	targets := m.targets(n)
	if len(targets) == 0 {
		m.detachOrphanNode(n)
		return
	}
	for _, c := range targets {
		if m.refresher != nil {
			m.refresher.Remove(c)
			continue
		}
		m.emitter.EmitNamed(events.ComponentBeforeRemove, c.ID, nil)
		m.registry.Unregister(c.ID)
		if c.Root != nil {
			c.Root.Detach()
		}
	}
}

// detachOrphanNode removes the identified node from whichever registered
// component's subtree holds it.
func (m *Manager) detachOrphanNode(n *protocol.Notification) {
	id := n.Payload.Component
	if id == "" {
		if rest, ok := strings.CutPrefix(n.Group, identityPrefix); ok {
			id = rest
		}
	}
	if id == "" {
		return
	}
	for _, c := range m.registry.All() {
		if c.Root == nil {
			continue
		}
		if node := c.Root.FindByID(id); node != nil {
			node.Detach()
			m.logger.Debug("detached unmounted node", "id", id, "host", c.ID)
			return
		}
	}
}

// handleCreated re-fetches group members so collection views pick up the
// new instance.
func (m *Manager) handleCreated(ctx context.Context, n *protocol.Notification) {
	if m.refresher == nil {
		return
	}
	for _, c := range m.members(n.Group) {
		if err := m.refresher.Refresh(ctx, c); err != nil {
			m.logger.Warn("refresh after create failed", "component", c.ID, "error", err)
		}
	}
}
