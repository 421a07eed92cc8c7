package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/livemorph/livemorph/pkg/dom"
)

func TestStateAccessors(t *testing.T) {
	c := NewComponent("c-1", "", nil)
	c.Set("title", "hello")

	if v, ok := c.Get("title"); !ok || v != "hello" {
		t.Errorf("Get(title) = %v, %v", v, ok)
	}

	snap := c.State()
	snap["title"] = "mutated"
	if v, _ := c.Get("title"); v != "hello" {
		t.Error("State() returned a live reference, want a copy")
	}

	c.ReplaceState(map[string]any{"count": 1})
	if _, ok := c.Get("title"); ok {
		t.Error("ReplaceState kept old fields")
	}

	c.PatchState(map[string]any{"count": 2, "extra": true})
	if v, _ := c.Get("count"); v != 2 {
		t.Errorf("count = %v, want 2", v)
	}
	if v, _ := c.Get("extra"); v != true {
		t.Errorf("extra = %v, want true", v)
	}
}

func TestSnapshotAndRestore(t *testing.T) {
	c := NewComponent("c-1", "k", nil)
	c.Set("n", 1)
	c.SetEncrypted("token-1")
	root, _ := dom.ParseOne(`<div live-id="c-1">one</div>`)
	c.Root = root

	snap := c.Snapshot()
	if snap.ID != "c-1" || snap.Key != "k" || snap.Encrypted != "token-1" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.HTML == "" {
		t.Error("snapshot missing rendered HTML")
	}

	c.Set("n", 99)
	c.SetEncrypted("token-2")
	c.Restore(snap)

	if v, _ := c.Get("n"); v != 1 {
		t.Errorf("n = %v, want 1 after restore", v)
	}
	if c.Encrypted() != "token-1" {
		t.Errorf("encrypted = %q, want token-1", c.Encrypted())
	}
}

func TestInvokeMethodPath(t *testing.T) {
	parent := NewComponent("p", "", nil)
	child := NewComponent("c", "", parent)

	var got []any
	parent.RegisterMethod("refresh", func(args []any) error {
		got = args
		return nil
	})

	if err := child.InvokeMethod([]string{"_parent", "refresh"}, []any{1}); err != nil {
		t.Fatalf("InvokeMethod error: %v", err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("args = %v, want [1]", got)
	}
}

func TestInvokeMethodErrors(t *testing.T) {
	c := NewComponent("c", "", nil)

	if err := c.InvokeMethod([]string{"missing"}, nil); err == nil {
		t.Error("expected error for unregistered method")
	}
	if err := c.InvokeMethod([]string{"_parent", "x"}, nil); err == nil {
		t.Error("expected error for missing parent")
	}
	if err := c.InvokeMethod([]string{"weird", "x"}, nil); err == nil {
		t.Error("expected error for unsupported path segment")
	}

	boom := errors.New("boom")
	c.RegisterMethod("fail", func([]any) error { return boom })
	if err := c.InvokeMethod([]string{"fail"}, nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestTryApplyOrdering(t *testing.T) {
	c := NewComponent("c", "", nil)

	s1 := c.NextSeq()
	s2 := c.NextSeq()

	if !c.TryApply(s2) {
		t.Fatal("TryApply(s2) = false, want true")
	}
	if c.TryApply(s1) {
		t.Error("TryApply(s1) = true after s2 applied, want false (stale)")
	}
}

func TestActiveRequestsGraceWindow(t *testing.T) {
	a := NewActiveRequests(20 * time.Millisecond)

	a.Begin("r1")
	if !a.Contains("r1") {
		t.Fatal("Contains(r1) = false after Begin")
	}

	a.End("r1")
	if !a.Contains("r1") {
		t.Error("r1 removed immediately, want grace window")
	}

	time.Sleep(50 * time.Millisecond)
	if a.Contains("r1") {
		t.Error("r1 still active after grace window")
	}
	if !a.Empty() {
		t.Error("Empty = false after grace expiry")
	}
}

func TestActiveRequestsZeroGrace(t *testing.T) {
	a := NewActiveRequests(0)
	a.Begin("r1")
	a.End("r1")
	if a.Contains("r1") {
		t.Error("zero grace should remove immediately")
	}
}
