package runtime

import (
	"log/slog"
	"sync"

	"github.com/livemorph/livemorph/pkg/events"
)

// Registry is the process-wide directory of live components and their
// subscription group memberships. It is explicitly constructed and passed
// by reference, with init and teardown tied to the page/session lifetime,
// so independent runtimes (tests included) never interfere.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*Component
	groups     map[string]map[string]struct{}

	logger  *slog.Logger
	emitter *events.Emitter
}

// NewRegistry creates an empty registry. The emitter receives
// child-component-init/destroy events; it may be shared with the engine.
func NewRegistry(logger *slog.Logger, emitter *events.Emitter) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	return &Registry{
		components: make(map[string]*Component),
		groups:     make(map[string]map[string]struct{}),
		logger:     logger,
		emitter:    emitter,
	}
}

// Emitter returns the registry's event emitter.
func (r *Registry) Emitter() *events.Emitter {
	return r.emitter
}

// Register adds a component to the directory.
func (r *Registry) Register(c *Component) {
	r.mu.Lock()
	r.components[c.ID] = c
	r.mu.Unlock()

	if c.Parent() != nil {
		r.emitter.EmitNamed(events.ChildComponentInit, c.ID, map[string]any{
			"parent": c.Parent().ID,
		})
	}
	r.logger.Debug("component registered", "component", c.ID, "key", c.Key)
}

// Unregister removes a component and all its group memberships. Children
// are detached from the parent but remain registered; the caller tears
// them down explicitly.
func (r *Registry) Unregister(id string) *Component {
	r.mu.Lock()
	c := r.components[id]
	delete(r.components, id)
	for group, members := range r.groups {
		delete(members, id)
		if len(members) == 0 {
			delete(r.groups, group)
		}
	}
	r.mu.Unlock()

	if c == nil {
		return nil
	}
	if p := c.Parent(); p != nil {
		p.RemoveChild(c)
		r.emitter.EmitNamed(events.ChildComponentDestroy, c.ID, map[string]any{
			"parent": p.ID,
		})
	}
	r.logger.Debug("component unregistered", "component", id)
	return c
}

// Get returns the component with the given identity, or nil.
func (r *Registry) Get(id string) *Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.components[id]
}

// ByKey returns the live components sharing a logical key. Multiple
// components share a key only transiently during reconciliation.
func (r *Registry) ByKey(key string) []*Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Component
	for _, c := range r.components {
		if c.Key == key {
			out = append(out, c)
		}
	}
	return out
}

// All returns every registered component.
func (r *Registry) All() []*Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Component, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered components.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.components)
}

// GroupJoin adds a component to a group. It returns true when the
// component is the group's first local member, meaning a wire-level
// subscribe is due.
func (r *Registry) GroupJoin(group, id string) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]struct{})
		r.groups[group] = members
	}
	if _, dup := members[id]; dup {
		return false
	}
	members[id] = struct{}{}
	return len(members) == 1
}

// GroupLeave removes a component from a group. It returns true when the
// component was the group's last local member, meaning a wire-level
// unsubscribe is due.
func (r *Registry) GroupLeave(group, id string) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[group]
	if !ok {
		return false
	}
	if _, present := members[id]; !present {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.groups, group)
		return true
	}
	return false
}

// GroupMembers returns the member identities of a group.
func (r *Registry) GroupMembers(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.groups[group]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// Groups returns every group with at least one member.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.groups))
	for g := range r.groups {
		out = append(out, g)
	}
	return out
}

// MemberGroups returns the groups a component currently belongs to.
func (r *Registry) MemberGroups(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for g, members := range r.groups {
		if _, ok := members[id]; ok {
			out = append(out, g)
		}
	}
	return out
}

// ScanDeclared returns components whose declared subscription attribute
// contains the target group. This is the fallback resolution path for
// components created after the group map was last updated.
func (r *Registry) ScanDeclared(group string) []*Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Component
	for _, c := range r.components {
		for _, g := range c.DeclaredGroups() {
			if g == group {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Teardown empties the registry.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components = make(map[string]*Component)
	r.groups = make(map[string]map[string]struct{})
}
