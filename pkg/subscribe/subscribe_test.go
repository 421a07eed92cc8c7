package subscribe

import (
	"context"
	"sync"
	"testing"

	"github.com/livemorph/livemorph/pkg/dom"
	"github.com/livemorph/livemorph/pkg/events"
	"github.com/livemorph/livemorph/pkg/protocol"
	"github.com/livemorph/livemorph/pkg/runtime"
)

type fakeWire struct {
	mu   sync.Mutex
	sent []*protocol.Notification
}

func (w *fakeWire) Send(n *protocol.Notification) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, n)
	return nil
}

func (w *fakeWire) sentOfType(t protocol.MessageType) []*protocol.Notification {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*protocol.Notification
	for _, n := range w.sent {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

type fakeRefresher struct {
	registry  *runtime.Registry
	refreshed []string
	removed   []string
}

func (f *fakeRefresher) Refresh(_ context.Context, c *runtime.Component) error {
	f.refreshed = append(f.refreshed, c.ID)
	return nil
}

func (f *fakeRefresher) Remove(c *runtime.Component) {
	f.removed = append(f.removed, c.ID)
	f.registry.Unregister(c.ID)
}

func newTestManager(t *testing.T) (*Manager, *fakeWire, *fakeRefresher, *runtime.Registry) {
	t.Helper()
	reg := runtime.NewRegistry(nil, events.NewEmitter())
	wire := &fakeWire{}
	ref := &fakeRefresher{registry: reg}
	m := New(reg, wire, Config{})
	m.SetRefresher(ref)
	return m, wire, ref, reg
}

func addComponent(t *testing.T, reg *runtime.Registry, id, markup string) *runtime.Component {
	t.Helper()
	c := runtime.NewComponent(id, "", nil)
	if markup != "" {
		root, err := dom.ParseOne(markup)
		if err != nil {
			t.Fatalf("ParseOne error: %v", err)
		}
		c.Root = root
	}
	reg.Register(c)
	return c
}

func TestSubscribeDedupesWireTraffic(t *testing.T) {
	m, wire, _, reg := newTestManager(t)
	a := addComponent(t, reg, "a", "")
	b := addComponent(t, reg, "b", "")

	var subscribed int
	reg.Emitter().On(events.ComponentSubscribed, func(events.Event) { subscribed++ })

	if err := m.Subscribe(a, "todos"); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if err := m.Subscribe(b, "todos"); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	if got := wire.sentOfType(protocol.TypeSubscribe); len(got) != 1 || got[0].Group != "todos" {
		t.Errorf("wire subscribes = %d, want 1", len(got))
	}
	if subscribed != 2 {
		t.Errorf("component-subscribed = %d, want 2", subscribed)
	}

	// Leaving is symmetric: only the last member costs a wire message.
	if err := m.Unsubscribe(a, "todos"); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if got := wire.sentOfType(protocol.TypeUnsubscribe); len(got) != 0 {
		t.Errorf("wire unsubscribes after first leave = %d, want 0", len(got))
	}
	if err := m.Unsubscribe(b, "todos"); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if got := wire.sentOfType(protocol.TypeUnsubscribe); len(got) != 1 {
		t.Errorf("wire unsubscribes after last leave = %d, want 1", len(got))
	}
}

func TestSyncJoinsAndLeavesByDiff(t *testing.T) {
	m, wire, _, reg := newTestManager(t)
	c := addComponent(t, reg, "c-1", "")

	m.Sync(c, []string{"alpha", "beta"})
	m.Sync(c, []string{"beta", "gamma"})

	groups := reg.MemberGroups("c-1")
	want := map[string]bool{"beta": true, "gamma": true}
	if len(groups) != 2 || !want[groups[0]] || !want[groups[1]] {
		t.Errorf("groups = %v, want beta and gamma", groups)
	}
	if got := wire.sentOfType(protocol.TypeSubscribe); len(got) != 3 {
		t.Errorf("wire subscribes = %d, want 3 (alpha, beta, gamma)", len(got))
	}
	if got := wire.sentOfType(protocol.TypeUnsubscribe); len(got) != 1 || got[0].Group != "alpha" {
		t.Errorf("wire unsubscribes = %v, want one for alpha", got)
	}
}

func TestDropReleasesAllMemberships(t *testing.T) {
	m, _, _, reg := newTestManager(t)
	c := addComponent(t, reg, "c-1", "")

	m.Sync(c, []string{"alpha", "beta"})
	m.Drop(c)

	if groups := reg.MemberGroups("c-1"); len(groups) != 0 {
		t.Errorf("groups after drop = %v, want none", groups)
	}
}

func TestDataChangedPatchesMembers(t *testing.T) {
	m, _, _, reg := newTestManager(t)
	a := addComponent(t, reg, "a", "")
	b := addComponent(t, reg, "b", "")
	m.Subscribe(a, "todos")
	m.Subscribe(b, "todos")

	var updated int
	reg.Emitter().On(events.ComponentDataUpdated, func(events.Event) { updated++ })

	m.HandleNotification(context.Background(), &protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeDataChanged,
		Group:    "todos",
		Payload:  protocol.NotifyPayload{Data: map[string]any{"count": 7}},
	})

	for _, c := range []*runtime.Component{a, b} {
		if v, _ := c.Get("count"); v != 7 {
			t.Errorf("%s count = %v, want 7", c.ID, v)
		}
	}
	if updated != 2 {
		t.Errorf("component-data-updated = %d, want 2", updated)
	}
}

func TestDataChangedNamingComponentPatchesOnlyIt(t *testing.T) {
	m, _, _, reg := newTestManager(t)
	a := addComponent(t, reg, "c-1", "")
	b := addComponent(t, reg, "c-2", "")
	m.Subscribe(a, "todos")
	m.Subscribe(b, "todos")

	m.HandleNotification(context.Background(), &protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeDataChanged,
		Group:    "todos",
		Payload: protocol.NotifyPayload{
			Component: "c-1",
			Data:      map[string]any{"x": 1},
		},
	})

	if v, _ := a.Get("x"); v != 1 {
		t.Errorf("named component x = %v, want 1", v)
	}
	if _, ok := b.Get("x"); ok {
		t.Error("unnamed group member was patched despite payload naming c-1")
	}
}

func TestDataChangedUnknownIdentityFallsBackToGroup(t *testing.T) {
	m, _, _, reg := newTestManager(t)
	a := addComponent(t, reg, "c-1", "")
	m.Subscribe(a, "todos")

	m.HandleNotification(context.Background(), &protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeDataChanged,
		Group:    "todos",
		Payload: protocol.NotifyPayload{
			Component: "never-mounted",
			Data:      map[string]any{"x": 1},
		},
	})

	if v, _ := a.Get("x"); v != 1 {
		t.Errorf("x = %v, want 1 (group fallback for unknown identity)", v)
	}
}

func TestDataChangedSuppressesOwnEcho(t *testing.T) {
	m, _, _, reg := newTestManager(t)
	caller := addComponent(t, reg, "caller", "")
	other := addComponent(t, reg, "other", "")
	m.Subscribe(caller, "todos")
	m.Subscribe(other, "todos")

	// The broadcast was produced by caller's own in-flight request.
	caller.Active().Begin("req-9")
	defer caller.Active().End("req-9")

	m.HandleNotification(context.Background(), &protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeDataChanged,
		Group:    "todos",
		Sender:   "req-9",
		Payload:  protocol.NotifyPayload{Data: map[string]any{"count": 7}},
	})

	if _, ok := caller.Get("count"); ok {
		t.Error("echo applied to originating component")
	}
	if v, _ := other.Get("count"); v != 7 {
		t.Errorf("other count = %v, want 7", v)
	}
}

func TestDataChangedWithoutDataRefreshes(t *testing.T) {
	m, _, ref, reg := newTestManager(t)
	c := addComponent(t, reg, "c-1", "")
	m.Subscribe(c, "todos")

	m.HandleNotification(context.Background(), &protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeDataChanged,
		Group:    "todos",
	})

	if len(ref.refreshed) != 1 || ref.refreshed[0] != "c-1" {
		t.Errorf("refreshed = %v, want [c-1]", ref.refreshed)
	}
}

func TestNotifyFansOutAsNamedEvent(t *testing.T) {
	m, _, _, reg := newTestManager(t)
	a := addComponent(t, reg, "a", "")
	b := addComponent(t, reg, "b", "")
	m.Subscribe(a, "board")
	m.Subscribe(b, "board")

	var got []events.Event
	reg.Emitter().On("todo:moved", func(ev events.Event) { got = append(got, ev) })

	m.HandleNotification(context.Background(), &protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeNotify,
		Group:    "board",
		Sender:   "a",
		Payload: protocol.NotifyPayload{
			Event:  "todo:moved",
			Detail: map[string]any{"id": "t-3"},
		},
	})

	// The sender's own broadcast is not reflected back at it.
	if len(got) != 1 || got[0].Component != "b" {
		t.Fatalf("events = %+v, want one for b", got)
	}
	if got[0].Detail["id"] != "t-3" {
		t.Errorf("detail = %v", got[0].Detail)
	}
}

func TestRemovedTearsDownMembers(t *testing.T) {
	m, _, ref, reg := newTestManager(t)
	c := addComponent(t, reg, "c-1", "")
	m.Subscribe(c, "todos")

	m.HandleNotification(context.Background(), &protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeRemoved,
		Group:    "todos",
	})

	if len(ref.removed) != 1 || ref.removed[0] != "c-1" {
		t.Errorf("removed = %v, want [c-1]", ref.removed)
	}
	if reg.Get("c-1") != nil {
		t.Error("component still registered after removal broadcast")
	}
}

func TestRemovedFallsBackWithoutRefresher(t *testing.T) {
	reg := runtime.NewRegistry(nil, events.NewEmitter())
	m := New(reg, &fakeWire{}, Config{})
	c := addComponent(t, reg, "c-1", "")
	m.Subscribe(c, "todos")

	var beforeRemove int
	reg.Emitter().On(events.ComponentBeforeRemove, func(events.Event) { beforeRemove++ })

	m.HandleNotification(context.Background(), &protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeRemoved,
		Group:    "todos",
	})

	if reg.Get("c-1") != nil {
		t.Error("component still registered after fallback removal")
	}
	if beforeRemove != 1 {
		t.Errorf("component-before-remove = %d, want 1", beforeRemove)
	}
}

func TestRemovedDetachesUnmountedNode(t *testing.T) {
	m, _, _, reg := newTestManager(t)
	// "row-3" exists only as markup inside the list component's tree; it was
	// never mounted as a component of its own.
	list := addComponent(t, reg, "list",
		`<ul live-id="list"><li live-id="row-3">x</li><li>y</li></ul>`)

	m.HandleNotification(context.Background(), &protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeRemoved,
		Group:    IdentityGroup("row-3"),
	})

	if list.Root.FindByID("row-3") != nil {
		t.Error("unmounted node still present after removal broadcast")
	}
	if len(list.Root.Children) != 1 {
		t.Errorf("list children = %d, want 1", len(list.Root.Children))
	}
	if reg.Get("list") == nil {
		t.Error("host component must survive the node removal")
	}
}

func TestCreatedRefreshesCollectionSubscribers(t *testing.T) {
	m, _, ref, reg := newTestManager(t)
	list := addComponent(t, reg, "list", "")
	m.Subscribe(list, "todos")

	m.HandleNotification(context.Background(), &protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeCreated,
		Group:    "todos",
	})

	if len(ref.refreshed) != 1 || ref.refreshed[0] != "list" {
		t.Errorf("refreshed = %v, want [list]", ref.refreshed)
	}
}

func TestSubscriptionRejectionIsAuthoritative(t *testing.T) {
	m, _, _, reg := newTestManager(t)
	c := addComponent(t, reg, "c-1", "")
	m.Subscribe(c, "secrets")

	var subErrors []events.Event
	reg.Emitter().On(events.ComponentSubscriptionError, func(ev events.Event) { subErrors = append(subErrors, ev) })

	m.HandleNotification(context.Background(), &protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeSubscriptionResponse,
		Group:    "secrets",
		Payload: protocol.NotifyPayload{
			Success: false,
			Error:   &protocol.Error{Code: protocol.CodeForbidden, Message: "not yours"},
		},
	})

	if groups := reg.MemberGroups("c-1"); len(groups) != 0 {
		t.Errorf("groups = %v, want membership rolled back", groups)
	}
	if len(subErrors) != 1 || subErrors[0].Detail["group"] != "secrets" {
		t.Errorf("subscription-error events = %+v", subErrors)
	}
}

func TestIdentityGroupResolvesWithoutJoin(t *testing.T) {
	m, _, _, reg := newTestManager(t)
	c := addComponent(t, reg, "c-1", "")

	m.HandleNotification(context.Background(), &protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeDataChanged,
		Group:    IdentityGroup("c-1"),
		Payload:  protocol.NotifyPayload{Data: map[string]any{"x": 1}},
	})

	if v, _ := c.Get("x"); v != 1 {
		t.Errorf("x = %v, want 1 (identity group must reach the component)", v)
	}
}

func TestDeclaredGroupsAreScanFallback(t *testing.T) {
	m, _, _, reg := newTestManager(t)
	c := addComponent(t, reg, "c-1", `<div live-id="c-1" live-groups="todos"></div>`)

	m.HandleNotification(context.Background(), &protocol.Notification{
		Protocol: protocol.Version,
		Type:     protocol.TypeDataChanged,
		Group:    "todos",
		Payload:  protocol.NotifyPayload{Data: map[string]any{"x": 1}},
	})

	if v, _ := c.Get("x"); v != 1 {
		t.Errorf("x = %v, want 1 (declared-group scan must find the component)", v)
	}
}

func TestResubscribeReplaysActiveGroups(t *testing.T) {
	m, wire, _, reg := newTestManager(t)
	a := addComponent(t, reg, "a", "")
	b := addComponent(t, reg, "b", "")
	m.Subscribe(a, "alpha")
	m.Subscribe(b, "alpha")
	m.Subscribe(b, "beta")

	var resubscribed int
	reg.Emitter().On(events.ComponentResubscribed, func(events.Event) { resubscribed++ })

	before := len(wire.sentOfType(protocol.TypeSubscribe))
	m.Resubscribe()

	replayed := len(wire.sentOfType(protocol.TypeSubscribe)) - before
	if replayed != 2 {
		t.Errorf("replayed subscribes = %d, want 2 (one per group)", replayed)
	}
	if resubscribed != 3 {
		t.Errorf("component-resubscribed = %d, want 3 (one per membership)", resubscribed)
	}
}
