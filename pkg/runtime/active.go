package runtime

import (
	"sync"
	"time"
)

// DefaultEchoGraceWindow is how long a completed request id stays in the
// active set so late-arriving broadcasts of the same change are still
// suppressed.
const DefaultEchoGraceWindow = 150 * time.Millisecond

// ActiveRequests tracks a component's in-flight request ids. Ids are added
// before send and removed after completion plus a grace window, which
// catches broadcasts of the component's own change arriving just after the
// response.
type ActiveRequests struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	grace time.Duration
}

// NewActiveRequests creates a set with the given grace window.
func NewActiveRequests(grace time.Duration) *ActiveRequests {
	return &ActiveRequests{
		ids:   make(map[string]struct{}),
		grace: grace,
	}
}

// SetGrace changes the grace window for subsequent completions.
func (a *ActiveRequests) SetGrace(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grace = d
}

// Begin records a request id before send.
func (a *ActiveRequests) Begin(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids[id] = struct{}{}
}

// End schedules removal of a request id after the grace window.
func (a *ActiveRequests) End(id string) {
	a.mu.Lock()
	grace := a.grace
	a.mu.Unlock()

	if grace <= 0 {
		a.remove(id)
		return
	}
	time.AfterFunc(grace, func() { a.remove(id) })
}

func (a *ActiveRequests) remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.ids, id)
}

// Contains reports whether id is active (in flight or within grace).
func (a *ActiveRequests) Contains(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.ids[id]
	return ok
}

// Empty reports whether no request is active.
func (a *ActiveRequests) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ids) == 0
}
