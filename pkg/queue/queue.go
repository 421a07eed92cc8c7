// Package queue holds calls that failed on network errors and replays them
// once connectivity returns, reconciling or rolling back component state
// according to the replay outcome.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/livemorph/livemorph/pkg/events"
	"github.com/livemorph/livemorph/pkg/metrics"
	"github.com/livemorph/livemorph/pkg/runtime"
	"github.com/livemorph/livemorph/pkg/transport"
)

// ErrFileReplayUnsupported reports a call that carried binary file
// attachments. File contents are not held across a network outage, so such
// calls fail immediately instead of queueing.
var ErrFileReplayUnsupported = errors.New("queue: calls with file attachments cannot be queued for replay")

// DefaultRetryDelay is the pause between consecutive replays in a drain.
const DefaultRetryDelay = 2 * time.Second

// Sender is the call engine surface the queue drives. *engine.Engine
// implements it.
type Sender interface {
	Call(ctx context.Context, c *runtime.Component, method string, args ...any) (any, error)
	Replay(ctx context.Context, c *runtime.Component, snap *runtime.Snapshot, method string, args []any) (*transport.Result, error)
	ApplyResult(ctx context.Context, c *runtime.Component, res *transport.Result, seq uint64) (any, error)
	Refresh(ctx context.Context, c *runtime.Component) error
	Remove(c *runtime.Component)
}

// Call is a queued method call awaiting replay. The snapshot is the
// rollback point captured when the call was queued; it also supplies the
// replay payload if the live component is gone by drain time.
type Call struct {
	Component string
	Method    string
	Args      []any
	Snapshot  *runtime.Snapshot
	QueuedAt  time.Time

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func newCall(c *runtime.Component, method string, args []any, snap *runtime.Snapshot) *Call {
	return &Call{
		Component: c.ID,
		Method:    method,
		Args:      args,
		Snapshot:  snap,
		QueuedAt:  time.Now(),
		done:      make(chan struct{}),
	}
}

func (c *Call) resolve(result any, err error) {
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
	})
}

// Result blocks until the call is reconciled or dropped, or the context
// ends.
func (c *Call) Result(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Config configures the offline queue.
type Config struct {
	// RetryDelay is the pause between consecutive replays in a drain.
	// Default: 2 seconds.
	RetryDelay time.Duration

	// Metrics records queue depth and drains. Optional.
	Metrics *metrics.Metrics

	// Logger receives queue diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// Queue is the ordered offline call queue. Replays run strictly in queue
// order; a network failure during a drain stops the drain with the failed
// call back at the front so order is preserved across outages.
type Queue struct {
	sender   Sender
	registry *runtime.Registry
	emitter  *events.Emitter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	retry    time.Duration

	mu       sync.Mutex
	entries  []*Call
	draining bool
}

// New creates a queue, filling config defaults. The emitter is shared with
// the registry.
func New(sender Sender, registry *runtime.Registry, cfg Config) *Queue {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		sender:   sender,
		registry: registry,
		emitter:  registry.Emitter(),
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		retry:    cfg.RetryDelay,
	}
}

// Len returns the number of queued calls.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Bind wires the queue's drain trigger to socket reconnects.
func (q *Queue) Bind(s *transport.Socket) {
	s.OnReconnect(func() {
		q.metrics.IncSocketReconnect()
		go q.Drain(context.Background())
	})
}

// Do invokes a method through the engine, falling back to the queue on
// network failure. On success the result is returned directly; when queued,
// the pending call is returned and its Result resolves after replay. A
// successful direct call while the queue is non-empty also triggers a
// drain, since it proves connectivity is back.
func (q *Queue) Do(ctx context.Context, c *runtime.Component, method string, args ...any) (any, *Call, error) {
	snap := c.Snapshot()
	result, err := q.sender.Call(ctx, c, method, args...)
	if err == nil {
		if q.Len() > 0 {
			go q.Drain(context.WithoutCancel(ctx))
		}
		return result, nil, nil
	}
	if !transport.IsNetwork(err) {
		return nil, nil, err
	}
	if hasFiles(args) {
		return nil, nil, ErrFileReplayUnsupported
	}

	entry := newCall(c, method, args, snap)
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	depth := len(q.entries)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.emitter.EmitNamed(events.CallQueued, c.ID, map[string]any{
		"method":       method,
		"queue_length": depth,
	})
	q.logger.Info("call queued for replay", "component", c.ID, "method", method, "depth", depth)
	return nil, entry, nil
}

func hasFiles(args []any) bool {
	for _, arg := range args {
		switch arg.(type) {
		case transport.File, *transport.File:
			return true
		}
	}
	return false
}

// disposition is the outcome of one replay attempt.
type disposition int

const (
	dispDone disposition = iota
	dispRequeueBack
	dispRequeueFront
)

// Drain replays queued calls in order. At most one drain runs at a time;
// overlapping triggers collapse into the running one.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining || len(q.entries) == 0 {
		q.mu.Unlock()
		return
	}
	q.draining = true
	pending := len(q.entries)
	q.mu.Unlock()

	q.metrics.IncQueueDrain()
	q.emitter.EmitNamed(events.QueueProcessingStart, "", map[string]any{"pending": pending})

	processed := 0
	tries := make(map[*Call]int)
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			break
		}
		entry := q.entries[0]
		q.entries = q.entries[1:]
		q.mu.Unlock()

		tries[entry]++
		disp := q.process(ctx, entry)
		processed++

		stop := false
		switch disp {
		case dispRequeueBack:
			// A call that failed twice in one drain waits for the next one.
			if tries[entry] >= 2 {
				q.requeue(entry, true)
				stop = true
			} else {
				q.requeue(entry, false)
			}
		case dispRequeueFront:
			q.requeue(entry, true)
			stop = true
		}
		q.metrics.SetQueueDepth(q.Len())
		if stop || ctx.Err() != nil {
			break
		}
		// Pacing applies to retry attempts only; successful replays stream
		// back to back.
		if disp == dispRequeueBack && q.retry > 0 && q.Len() > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(q.retry):
			}
		}
	}

	q.mu.Lock()
	q.draining = false
	remaining := len(q.entries)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(remaining)
	q.emitter.EmitNamed(events.QueueProcessingComplete, "", map[string]any{
		"processed": processed,
		"remaining": remaining,
	})
}

func (q *Queue) requeue(entry *Call, front bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if front {
		q.entries = append([]*Call{entry}, q.entries...)
	} else {
		q.entries = append(q.entries, entry)
	}
}

// process replays one queued call and applies the reconciliation policy
// for its outcome.
func (q *Queue) process(ctx context.Context, entry *Call) disposition {
	comp := q.registry.Get(entry.Component)
	res, err := q.sender.Replay(ctx, comp, entry.Snapshot, entry.Method, entry.Args)

	switch {
	case err == nil:
		return q.reconcile(ctx, comp, entry, res)

	case errors.Is(err, transport.ErrStaleComponent):
		if comp != nil {
			q.emitter.EmitNamed(events.ComponentStale, comp.ID, nil)
			q.sender.Remove(comp)
		}
		q.emitter.EmitNamed(events.CallFailed, entry.Component, map[string]any{
			"method": entry.Method,
			"error":  err.Error(),
		})
		entry.resolve(nil, err)
		return dispDone

	case transport.IsNetwork(err):
		// Still offline: restore state and hold the call at the front.
		q.rollback(comp, entry, events.StateRolledBack)
		return dispRequeueFront

	default:
		code, ok := transport.StatusOf(err)
		if !ok {
			q.emitFailed(entry, err)
			entry.resolve(nil, err)
			return dispDone
		}
		switch {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			q.rollback(comp, entry, events.CallRolledBack)
			entry.resolve(nil, err)
			return dispDone
		case code == http.StatusConflict:
			q.emitter.EmitNamed(events.CallConflict, entry.Component, map[string]any{
				"method": entry.Method,
			})
			entry.resolve(nil, err)
			if comp != nil {
				if rerr := q.sender.Refresh(ctx, comp); rerr != nil {
					q.logger.Warn("refresh after conflict failed", "component", comp.ID, "error", rerr)
				}
			}
			return dispDone
		case code >= 500:
			q.rollback(comp, entry, events.StateRolledBack)
			return dispRequeueBack
		default:
			q.emitFailed(entry, err)
			entry.resolve(nil, err)
			return dispDone
		}
	}
}

// reconcile applies a successful replay's effects, or records that the
// call landed server-side with no component left to update.
func (q *Queue) reconcile(ctx context.Context, comp *runtime.Component, entry *Call, res *transport.Result) disposition {
	if comp == nil {
		q.emitter.EmitNamed(events.CallReplayedWithoutComponent, entry.Component, map[string]any{
			"method": entry.Method,
		})
		if res.Envelope != nil && !res.Envelope.Success {
			entry.resolve(nil, res.Envelope.Meta.Error)
		} else {
			var result any
			if res.Envelope != nil {
				result = res.Envelope.Payload.Result
			}
			entry.resolve(result, nil)
		}
		return dispDone
	}

	result, err := q.sender.ApplyResult(ctx, comp, res, comp.NextSeq())
	if err != nil {
		// The server rejected the call itself; undo the local mutation.
		q.rollback(comp, entry, events.CallRolledBack)
		q.emitFailed(entry, err)
		entry.resolve(nil, err)
		return dispDone
	}
	q.emitter.EmitNamed(events.CallReconciled, entry.Component, map[string]any{
		"method": entry.Method,
	})
	entry.resolve(result, nil)
	return dispDone
}

func (q *Queue) rollback(comp *runtime.Component, entry *Call, event string) {
	if comp != nil {
		comp.Restore(entry.Snapshot)
	}
	q.emitter.EmitNamed(event, entry.Component, map[string]any{
		"method": entry.Method,
	})
}

func (q *Queue) emitFailed(entry *Call, err error) {
	q.emitter.EmitNamed(events.CallFailed, entry.Component, map[string]any{
		"method": entry.Method,
		"error":  err.Error(),
	})
}
