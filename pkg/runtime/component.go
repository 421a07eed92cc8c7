// Package runtime holds the client-side directory of live components: the
// registry mapping component identity to handle and subscription group to
// members, plus the component handle itself with its public state,
// encrypted server state, and in-flight request bookkeeping.
package runtime

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/livemorph/livemorph/pkg/dom"
)

// Component is a live component handle. The identity is owned by the
// server; the client carries it for the instance's lifetime. The encrypted
// state token is opaque: it is echoed back unchanged on every call and
// never inspected locally.
type Component struct {
	// ID is the opaque per-instance component identity.
	ID string

	// Key is the optional author-supplied logical identifier, used to
	// re-associate a component after its identity or node was replaced.
	Key string

	// Root is the component's live subtree.
	Root *dom.Node

	mu        sync.RWMutex
	state     map[string]any
	encrypted string
	parent    *Component
	children  []*Component
	methods   map[string]MethodFunc

	active *ActiveRequests

	// sendSeq and appliedSeq order call effects per component: a response
	// whose send sequence is older than the last applied one has its
	// effects skipped.
	sendSeq    atomic.Uint64
	appliedSeq atomic.Uint64
}

// MethodFunc is a locally invokable component method, resolved through an
// explicit name lookup table rather than dynamic property walking.
type MethodFunc func(args []any) error

// NewComponent creates a component handle. The parent may be nil for
// top-level components; children register with their statically known
// parent at construction.
func NewComponent(id, key string, parent *Component) *Component {
	c := &Component{
		ID:      id,
		Key:     key,
		parent:  parent,
		state:   make(map[string]any),
		methods: make(map[string]MethodFunc),
		active:  NewActiveRequests(DefaultEchoGraceWindow),
	}
	if parent != nil {
		parent.addChild(c)
	}
	return c
}

// Parent returns the parent component, or nil.
func (c *Component) Parent() *Component {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parent
}

// Children returns a copy of the child list.
func (c *Component) Children() []*Component {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Component, len(c.children))
	copy(out, c.children)
	return out
}

func (c *Component) addChild(child *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = append(c.children, child)
}

// RemoveChild detaches child from c. Returns true if found.
func (c *Component) RemoveChild(child *Component) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.children {
		if ch == child {
			c.children = append(c.children[:i], c.children[i+1:]...)
			child.mu.Lock()
			child.parent = nil
			child.mu.Unlock()
			return true
		}
	}
	return false
}

// State returns a copy of the public state snapshot.
func (c *Component) State() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.state))
	for k, v := range c.state {
		out[k] = v
	}
	return out
}

// Get returns a single public-state value.
func (c *Component) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.state[key]
	return v, ok
}

// Set updates a single public-state value (local mutation).
func (c *Component) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[key] = value
}

// ReplaceState overwrites the public state wholesale.
func (c *Component) ReplaceState(state map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = make(map[string]any, len(state))
	for k, v := range state {
		c.state[k] = v
	}
}

// PatchState merges fields into the public state, last writer wins per
// field.
func (c *Component) PatchState(fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range fields {
		c.state[k] = v
	}
}

// Encrypted returns the opaque server-state token.
func (c *Component) Encrypted() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.encrypted
}

// SetEncrypted stores the opaque server-state token.
func (c *Component) SetEncrypted(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encrypted = token
}

// RegisterMethod adds a locally invokable method to the lookup table.
func (c *Component) RegisterMethod(name string, fn MethodFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods[name] = fn
}

// InvokeMethod resolves a method by name path and invokes it. The path may
// traverse "_parent" segments before the final method name.
func (c *Component) InvokeMethod(path []string, args []any) error {
	if len(path) == 0 {
		return fmt.Errorf("runtime: empty method path on component %s", c.ID)
	}
	target := c
	for _, seg := range path[:len(path)-1] {
		if seg != "_parent" {
			return fmt.Errorf("runtime: unsupported path segment %q on component %s", seg, c.ID)
		}
		target = target.Parent()
		if target == nil {
			return fmt.Errorf("runtime: component %s has no parent", c.ID)
		}
	}
	name := path[len(path)-1]
	target.mu.RLock()
	fn := target.methods[name]
	target.mu.RUnlock()
	if fn == nil {
		return fmt.Errorf("runtime: method %q not registered on component %s", name, target.ID)
	}
	return fn(args)
}

// Active returns the component's in-flight request set.
func (c *Component) Active() *ActiveRequests {
	return c.active
}

// DeclaredGroups returns the subscription groups declared on the root
// node's markup, or nil when the component has no rendered subtree.
func (c *Component) DeclaredGroups() []string {
	if c.Root == nil {
		return nil
	}
	return c.Root.Groups()
}

// NextSeq allocates the next per-component send sequence number.
func (c *Component) NextSeq() uint64 {
	return c.sendSeq.Add(1)
}

// TryApply claims seq as the latest applied sequence. It returns false when
// a later-sent call's effects have already been applied, in which case the
// caller must skip this response's HTML and data effects.
func (c *Component) TryApply(seq uint64) bool {
	for {
		cur := c.appliedSeq.Load()
		if seq < cur {
			return false
		}
		if c.appliedSeq.CompareAndSwap(cur, seq) {
			return true
		}
	}
}

// Snapshot captures the component's state sufficient to replay a call or
// roll back a mutation, even if the live node is gone by then.
type Snapshot struct {
	ID        string
	Key       string
	State     map[string]any
	Encrypted string
	HTML      string
}

// Snapshot captures the current public state, encrypted token and rendered
// markup.
func (c *Component) Snapshot() *Snapshot {
	s := &Snapshot{
		ID:        c.ID,
		Key:       c.Key,
		State:     c.State(),
		Encrypted: c.Encrypted(),
	}
	if c.Root != nil {
		s.HTML = c.Root.Render()
	}
	return s
}

// Restore rolls the component's state and encrypted token back to a
// snapshot. The live subtree is left alone; a later refresh re-renders it.
func (c *Component) Restore(s *Snapshot) {
	c.ReplaceState(s.State)
	c.SetEncrypted(s.Encrypted)
}
