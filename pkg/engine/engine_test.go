package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/livemorph/livemorph/pkg/dom"
	"github.com/livemorph/livemorph/pkg/events"
	"github.com/livemorph/livemorph/pkg/protocol"
	"github.com/livemorph/livemorph/pkg/runtime"
	"github.com/livemorph/livemorph/pkg/transport"
)

// fakeCaller answers calls from a function, recording every request.
type fakeCaller struct {
	mu       sync.Mutex
	requests []*protocol.Request
	files    [][]transport.File
	respond  func(req *protocol.Request) (*transport.Result, error)
}

func (f *fakeCaller) Do(_ context.Context, req *protocol.Request, files []transport.File) (*transport.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.files = append(f.files, files)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeCaller) last() *protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeSubs struct {
	synced  map[string][]string
	dropped []string
}

func (s *fakeSubs) Sync(c *runtime.Component, groups []string) {
	if s.synced == nil {
		s.synced = make(map[string][]string)
	}
	s.synced[c.ID] = groups
}

func (s *fakeSubs) Drop(c *runtime.Component) {
	s.dropped = append(s.dropped, c.ID)
}

func okResponse(req *protocol.Request, payload protocol.ResponsePayload) (*transport.Result, error) {
	return &transport.Result{Envelope: protocol.NewResponse(req.ID, payload)}, nil
}

func newTestEngine(t *testing.T, respond func(*protocol.Request) (*transport.Result, error)) (*Engine, *fakeCaller, *fakeSubs) {
	t.Helper()
	caller := &fakeCaller{respond: respond}
	subs := &fakeSubs{}
	reg := runtime.NewRegistry(nil, events.NewEmitter())
	return New(Config{Registry: reg, Caller: caller, Subscriptions: subs}), caller, subs
}

func mountComponent(t *testing.T, e *Engine, markup string) *runtime.Component {
	t.Helper()
	root, err := dom.ParseOne(markup)
	if err != nil {
		t.Fatalf("ParseOne error: %v", err)
	}
	c, err := e.Mount(root, nil)
	if err != nil {
		t.Fatalf("Mount error: %v", err)
	}
	return c
}

func TestCallSnapshotsStateIntoRequest(t *testing.T) {
	e, caller, _ := newTestEngine(t, func(req *protocol.Request) (*transport.Result, error) {
		return okResponse(req, protocol.ResponsePayload{Result: "done"})
	})
	c := mountComponent(t, e, `<div live-id="c-1" live-key="todos"><p>hi</p></div>`)
	c.ReplaceState(map[string]any{"title": "Buy milk"})
	c.SetEncrypted("tok-1")

	result, err := e.Call(context.Background(), c, "add_todo", "Buy milk", 2)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if result != "done" {
		t.Errorf("result = %v, want done", result)
	}

	req := caller.last()
	if req.Call.Component != "c-1" || req.Call.Key != "todos" {
		t.Errorf("identity = %q/%q", req.Call.Component, req.Call.Key)
	}
	if req.Call.Method != "add_todo" {
		t.Errorf("method = %q", req.Call.Method)
	}
	if len(req.Call.Args) != 2 || req.Call.Args[0] != "Buy milk" {
		t.Errorf("args = %v", req.Call.Args)
	}
	if req.Call.State["title"] != "Buy milk" {
		t.Errorf("state = %v", req.Call.State)
	}
	if req.Call.Encrypted != "tok-1" {
		t.Errorf("encrypted = %q", req.Call.Encrypted)
	}
	if req.ID == "" {
		t.Error("request id is empty")
	}
}

func TestCallAppliesStateAndHTML(t *testing.T) {
	e, _, subs := newTestEngine(t, func(req *protocol.Request) (*transport.Result, error) {
		return okResponse(req, protocol.ResponsePayload{
			HTML:      `<div live-id="c-1" live-groups="todos done"><p>updated</p></div>`,
			State:     map[string]any{"count": float64(3)},
			Encrypted: "tok-2",
		})
	})
	c := mountComponent(t, e, `<div live-id="c-1"><p>old</p></div>`)

	var updated int
	e.Emitter().On(events.ComponentUpdated, func(events.Event) { updated++ })

	if _, err := e.Call(context.Background(), c, "refresh"); err != nil {
		t.Fatalf("Call error: %v", err)
	}

	if v, _ := c.Get("count"); v != float64(3) {
		t.Errorf("count = %v, want 3", v)
	}
	if c.Encrypted() != "tok-2" {
		t.Errorf("encrypted = %q, want tok-2", c.Encrypted())
	}
	if got := c.Root.Render(); !strings.Contains(got, "updated") {
		t.Errorf("root not morphed: %s", got)
	}
	if updated != 1 {
		t.Errorf("component-updated fired %d times, want 1", updated)
	}
	if got := subs.synced["c-1"]; len(got) != 2 || got[0] != "todos" || got[1] != "done" {
		t.Errorf("synced groups = %v, want [todos done]", got)
	}
}

func TestCallAppError(t *testing.T) {
	e, _, _ := newTestEngine(t, func(req *protocol.Request) (*transport.Result, error) {
		return &transport.Result{
			Envelope: protocol.NewErrorResponse(req.ID, protocol.CodeInvalidArgs, "title required"),
		}, nil
	})
	c := mountComponent(t, e, `<div live-id="c-1"></div>`)

	var errEvents []events.Event
	e.Emitter().On(events.Error, func(ev events.Event) { errEvents = append(errEvents, ev) })

	_, err := e.Call(context.Background(), c, "add_todo")
	var appErr *protocol.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("err = %v, want *protocol.Error", err)
	}
	if appErr.Code != protocol.CodeInvalidArgs {
		t.Errorf("code = %q", appErr.Code)
	}
	if len(errEvents) != 1 || errEvents[0].Detail["message"] != "title required" {
		t.Errorf("error events = %+v", errEvents)
	}
}

func TestCallStaleTearsComponentDown(t *testing.T) {
	e, _, subs := newTestEngine(t, func(*protocol.Request) (*transport.Result, error) {
		return nil, transport.ErrStaleComponent
	})
	c := mountComponent(t, e, `<div live-id="c-1"></div>`)

	var stale, beforeRemove int
	e.Emitter().On(events.ComponentStale, func(events.Event) { stale++ })
	e.Emitter().On(events.ComponentBeforeRemove, func(events.Event) { beforeRemove++ })

	_, err := e.Call(context.Background(), c, "anything")
	if !errors.Is(err, transport.ErrStaleComponent) {
		t.Fatalf("err = %v, want ErrStaleComponent", err)
	}
	if stale != 1 || beforeRemove != 1 {
		t.Errorf("stale = %d, before-remove = %d, want 1, 1", stale, beforeRemove)
	}
	if e.Registry().Get("c-1") != nil {
		t.Error("component still registered after stale teardown")
	}
	if len(subs.dropped) != 1 || subs.dropped[0] != "c-1" {
		t.Errorf("dropped = %v, want [c-1]", subs.dropped)
	}
}

func TestSupersededResponseSkipsEffects(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	c := mountComponent(t, e, `<div live-id="c-1"></div>`)

	seq1 := c.NextSeq()
	seq2 := c.NextSeq()

	newer := &transport.Result{Envelope: protocol.NewResponse("r2", protocol.ResponsePayload{
		State: map[string]any{"v": float64(2)},
	})}
	older := &transport.Result{Envelope: protocol.NewResponse("r1", protocol.ResponsePayload{
		State: map[string]any{"v": float64(1)},
	})}
	older.Envelope.Meta.Messages = []string{"saved"}

	if _, err := e.ApplyResult(context.Background(), c, newer, seq2); err != nil {
		t.Fatalf("ApplyResult error: %v", err)
	}

	var messages int
	e.Emitter().On(events.NewMessage, func(events.Event) { messages++ })

	if _, err := e.ApplyResult(context.Background(), c, older, seq1); err != nil {
		t.Fatalf("ApplyResult error: %v", err)
	}

	if v, _ := c.Get("v"); v != float64(2) {
		t.Errorf("v = %v, want 2 (older response must not clobber newer)", v)
	}
	if messages != 1 {
		t.Errorf("messages = %d, want 1 (side channel still delivered)", messages)
	}
}

func TestCommandsRunInOrder(t *testing.T) {
	var redirects []string
	e, _, _ := newTestEngine(t, func(req *protocol.Request) (*transport.Result, error) {
		res, _ := okResponse(req, protocol.ResponsePayload{})
		res.Envelope.Meta.Commands = []protocol.Command{
			{Kind: protocol.CommandInvoke, Path: []string{"highlight"}, Args: []any{"row-3"}},
			{Kind: protocol.CommandDispatch, Event: "todo:saved", Detail: map[string]any{"id": "row-3"}},
			{Kind: protocol.CommandRedirect, URL: "/done"},
		}
		return res, nil
	})
	e.redirect = func(url string) { redirects = append(redirects, url) }

	c := mountComponent(t, e, `<div live-id="c-1"></div>`)
	var invoked []any
	c.RegisterMethod("highlight", func(args []any) error {
		invoked = args
		return nil
	})
	var dispatched int
	e.Emitter().On("todo:saved", func(ev events.Event) {
		if ev.Detail["id"] == "row-3" {
			dispatched++
		}
	})

	if _, err := e.Call(context.Background(), c, "save"); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if len(invoked) != 1 || invoked[0] != "row-3" {
		t.Errorf("invoke args = %v", invoked)
	}
	if dispatched != 1 {
		t.Errorf("dispatched = %d, want 1", dispatched)
	}
	if len(redirects) != 1 || redirects[0] != "/done" {
		t.Errorf("redirects = %v", redirects)
	}
}

func TestMorphTearsDownRemovedChild(t *testing.T) {
	e, _, _ := newTestEngine(t, func(req *protocol.Request) (*transport.Result, error) {
		return okResponse(req, protocol.ResponsePayload{
			HTML: `<div live-id="parent"><p>only text now</p></div>`,
		})
	})

	parent := mountComponent(t, e, `<div live-id="parent"><div live-id="child"><span>x</span></div></div>`)
	childRoot := parent.Root.FindByID("child")
	if childRoot == nil {
		t.Fatal("child root not found")
	}
	child, err := e.Mount(childRoot, parent)
	if err != nil {
		t.Fatalf("Mount child error: %v", err)
	}

	if _, err := e.Call(context.Background(), parent, "clear"); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if e.Registry().Get(child.ID) != nil {
		t.Error("removed child still registered")
	}
	if len(parent.Children()) != 0 {
		t.Errorf("parent children = %d, want 0", len(parent.Children()))
	}
}

func TestMorphTearsDownChildNestedInRemovedSubtree(t *testing.T) {
	e, _, _ := newTestEngine(t, func(req *protocol.Request) (*transport.Result, error) {
		return okResponse(req, protocol.ResponsePayload{
			HTML: `<div live-id="parent"><p>empty</p></div>`,
		})
	})

	parent := mountComponent(t, e, `<div live-id="parent"><div class="wrap"><div live-id="child"><span>x</span></div></div></div>`)
	childRoot := parent.Root.FindByID("child")
	if childRoot == nil {
		t.Fatal("child root not found")
	}
	child, err := e.Mount(childRoot, parent)
	if err != nil {
		t.Fatalf("Mount child error: %v", err)
	}

	if _, err := e.Call(context.Background(), parent, "clear"); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if e.Registry().Get(child.ID) != nil {
		t.Error("nested child still registered after its subtree was removed")
	}
	if len(parent.Children()) != 0 {
		t.Errorf("parent children = %d, want 0", len(parent.Children()))
	}
}

func TestCallHoistsFilesIntoMultipart(t *testing.T) {
	e, caller, _ := newTestEngine(t, func(req *protocol.Request) (*transport.Result, error) {
		return okResponse(req, protocol.ResponsePayload{})
	})
	c := mountComponent(t, e, `<div live-id="c-1"></div>`)

	file := transport.File{Name: "photo.png", ContentType: "image/png", Content: []byte{1, 2}}
	if _, err := e.Call(context.Background(), c, "upload", file, "caption"); err != nil {
		t.Fatalf("Call error: %v", err)
	}

	req := caller.last()
	if req.Call.Args[0] != "photo.png" {
		t.Errorf("arg slot = %v, want filename", req.Call.Args[0])
	}
	if req.Call.Args[1] != "caption" {
		t.Errorf("arg slot = %v, want caption", req.Call.Args[1])
	}
	sent := caller.files[len(caller.files)-1]
	if len(sent) != 1 || sent[0].Name != "photo.png" || sent[0].Field == "" {
		t.Errorf("files = %+v", sent)
	}
}

func TestCallMarksRequestActiveDuringFlight(t *testing.T) {
	var activeDuringCall bool
	var e *Engine
	var c *runtime.Component

	e, _, _ = newTestEngine(t, func(req *protocol.Request) (*transport.Result, error) {
		activeDuringCall = c.Active().Contains(req.ID)
		return okResponse(req, protocol.ResponsePayload{})
	})
	c = mountComponent(t, e, `<div live-id="c-1"></div>`)

	var before, after int
	e.Emitter().On(events.BeforeRequest, func(events.Event) { before++ })
	e.Emitter().On(events.AfterRequest, func(events.Event) { after++ })

	if _, err := e.Call(context.Background(), c, "ping"); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if !activeDuringCall {
		t.Error("request id not in active set during flight")
	}
	if before != 1 || after != 1 {
		t.Errorf("before = %d, after = %d, want 1, 1", before, after)
	}
}

func TestReplayFromSnapshot(t *testing.T) {
	var activeDuringReplay bool
	var c *runtime.Component
	e, caller, _ := newTestEngine(t, func(req *protocol.Request) (*transport.Result, error) {
		activeDuringReplay = c.Active().Contains(req.ID)
		return okResponse(req, protocol.ResponsePayload{})
	})
	c = mountComponent(t, e, `<div live-id="c-1"></div>`)

	snap := &runtime.Snapshot{
		ID:        "c-1",
		Key:       "todos",
		State:     map[string]any{"title": "x"},
		Encrypted: "tok",
	}
	if _, err := e.Replay(context.Background(), c, snap, "add_todo", []any{"x"}); err != nil {
		t.Fatalf("Replay error: %v", err)
	}

	req := caller.last()
	if req.Call.Component != "c-1" || req.Call.Encrypted != "tok" {
		t.Errorf("replayed call = %+v", req.Call)
	}
	if !activeDuringReplay {
		t.Error("replay request not marked active for echo suppression")
	}
}

type fakeAssets struct {
	mu     sync.Mutex
	loaded []string
	err    error
}

func (f *fakeAssets) Load(_ context.Context, asset protocol.Asset) error {
	f.mu.Lock()
	f.loaded = append(f.loaded, asset.URL)
	f.mu.Unlock()
	return f.err
}

func TestAssetsLoadBeforeEffects(t *testing.T) {
	assets := &fakeAssets{}
	caller := &fakeCaller{respond: func(req *protocol.Request) (*transport.Result, error) {
		res, _ := okResponse(req, protocol.ResponsePayload{State: map[string]any{"ok": true}})
		res.Envelope.Meta.Assets = []protocol.Asset{
			{Kind: protocol.AssetScript, URL: "/a.js"},
			{Kind: protocol.AssetStyle, URL: "/a.css"},
		}
		return res, nil
	}}
	reg := runtime.NewRegistry(nil, events.NewEmitter())
	e := New(Config{Registry: reg, Caller: caller, Assets: assets})
	c := mountComponent(t, e, `<div live-id="c-1"></div>`)

	if _, err := e.Call(context.Background(), c, "load"); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if len(assets.loaded) != 2 {
		t.Errorf("loaded = %v, want 2 assets", assets.loaded)
	}

	// A load failure blocks effect application.
	assets.err = errors.New("fetch failed")
	c2 := mountComponent(t, e, `<div live-id="c-2"></div>`)
	if _, err := e.Call(context.Background(), c2, "load"); err == nil {
		t.Error("Call succeeded despite asset load failure")
	}
	if _, ok := c2.Get("ok"); ok {
		t.Error("effects applied despite asset load failure")
	}
}

func TestRefreshUsesReservedMethod(t *testing.T) {
	e, caller, _ := newTestEngine(t, func(req *protocol.Request) (*transport.Result, error) {
		return okResponse(req, protocol.ResponsePayload{})
	})
	c := mountComponent(t, e, `<div live-id="c-1"></div>`)

	if err := e.Refresh(context.Background(), c); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if got := caller.last().Call.Method; got != RefreshMethod {
		t.Errorf("method = %q, want %q", got, RefreshMethod)
	}
}
