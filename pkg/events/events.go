// Package events provides the client-visible lifecycle event surface: a
// small synchronous emitter plus the documented event names UI code relies
// on. Handlers run on the emitting goroutine in registration order.
package events

import "sync"

// Lifecycle event names. These names and their detail payloads are the
// external contract consumers depend on.
const (
	BeforeRequest = "before-request"
	AfterRequest  = "after-request"

	ComponentUpdated      = "component-updated"
	ComponentDataUpdated  = "component-data-updated"
	ComponentBeforeRemove = "component-before-remove"
	ComponentStale        = "component-stale"
	NewMessage            = "new-message"
	Error                 = "error"

	ChildComponentInit    = "child-component-init"
	ChildComponentDestroy = "child-component-destroy"

	CallQueued              = "call-queued"
	QueueProcessingStart    = "queue-processing-start"
	QueueProcessingComplete = "queue-processing-complete"
	CallReconciled          = "call-reconciled"
	CallRolledBack          = "call-rolled-back"
	CallConflict            = "call-conflict"
	CallFailed              = "call-failed"
	StateRolledBack         = "state-rolled-back"
	CallReplayedWithoutComponent = "call-replayed-without-component"

	WebsocketConnected    = "websocket-connected"
	WebsocketDisconnected = "websocket-disconnected"

	ComponentSubscribed        = "component-subscribed"
	ComponentUnsubscribed      = "component-unsubscribed"
	ComponentResubscribed      = "component-resubscribed"
	ComponentSubscriptionError = "component-subscription-error"
)

// Event is the payload delivered to handlers.
type Event struct {
	// Name is the event name the handler was registered for.
	Name string

	// Component is the affected component identity, when applicable.
	Component string

	// Detail carries type-specific fields.
	Detail map[string]any
}

// Handler receives emitted events.
type Handler func(Event)

// Emitter is a synchronous event dispatcher. The zero value is not usable;
// construct with NewEmitter.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	nextID   int
}

type entry struct {
	id int
	fn Handler
}

// NewEmitter creates an Emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string][]entry)}
}

// On registers a handler for name and returns a function that removes it.
func (e *Emitter) On(name string, fn Handler) (off func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[name] = append(e.handlers[name], entry{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.handlers[name]
		for i, en := range list {
			if en.id == id {
				e.handlers[name] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit dispatches ev to handlers registered for ev.Name, synchronously, in
// registration order.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	list := make([]entry, len(e.handlers[ev.Name]))
	copy(list, e.handlers[ev.Name])
	e.mu.RUnlock()

	for _, en := range list {
		en.fn(ev)
	}
}

// EmitNamed is shorthand for Emit with the given name, component and detail.
func (e *Emitter) EmitNamed(name, component string, detail map[string]any) {
	e.Emit(Event{Name: name, Component: component, Detail: detail})
}
