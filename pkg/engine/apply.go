package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/livemorph/livemorph/pkg/dom"
	"github.com/livemorph/livemorph/pkg/events"
	"github.com/livemorph/livemorph/pkg/morph"
	"github.com/livemorph/livemorph/pkg/protocol"
	"github.com/livemorph/livemorph/pkg/runtime"
	"github.com/livemorph/livemorph/pkg/transport"
)

// buildRequest snapshots the component into a call envelope. Binary file
// values in the args are hoisted out into multipart attachments; the arg
// slot keeps the filename so the server can correlate them.
func (e *Engine) buildRequest(reqID string, c *runtime.Component, method string, args []any) (*protocol.Request, []transport.File) {
	args, files := extractFiles(args)
	return protocol.NewRequest(reqID, protocol.CallPayload{
		Component: c.ID,
		Key:       c.Key,
		Method:    method,
		Args:      args,
		State:     c.State(),
		Encrypted: c.Encrypted(),
		Children:  childStates(c),
	}), files
}

// childStates flattens the component's descendants into per-child state
// snapshots, depth first.
func childStates(c *runtime.Component) []protocol.ChildState {
	var out []protocol.ChildState
	for _, child := range c.Children() {
		out = append(out, protocol.ChildState{
			Component: child.ID,
			Key:       child.Key,
			State:     child.State(),
			Encrypted: child.Encrypted(),
		})
		out = append(out, childStates(child)...)
	}
	return out
}

// extractFiles pulls transport.File values out of the args. Files cannot
// travel inside a JSON body.
func extractFiles(args []any) ([]any, []transport.File) {
	var files []transport.File
	out := make([]any, len(args))
	for i, arg := range args {
		var f *transport.File
		switch v := arg.(type) {
		case transport.File:
			f = &v
		case *transport.File:
			f = v
		}
		if f == nil {
			out[i] = arg
			continue
		}
		file := *f
		if file.Field == "" {
			file.Field = fmt.Sprintf("file_%d", len(files))
		}
		files = append(files, file)
		out[i] = file.Name
	}
	return out, files
}

// Replay transmits a call built from a state snapshot instead of a live
// component. The offline queue uses it to re-send calls whose component may
// no longer exist. When the component is still live, the request is marked
// active on it so the resulting broadcast echo is suppressed.
func (e *Engine) Replay(ctx context.Context, c *runtime.Component, snap *runtime.Snapshot, method string, args []any) (*transport.Result, error) {
	reqID := NewRequestID()
	if c != nil {
		c.Active().Begin(reqID)
		defer c.Active().End(reqID)
	}
	req := protocol.NewRequest(reqID, protocol.CallPayload{
		Component: snap.ID,
		Key:       snap.Key,
		Method:    method,
		Args:      args,
		State:     snap.State,
		Encrypted: snap.Encrypted,
	})
	return e.caller.Do(ctx, req, nil)
}

// ApplyResult applies a transport result's effects to the component: asset
// loading, state replacement, DOM morphing, messages, and commands. seq is
// the send sequence claimed for fencing; when a later-sent call's effects
// already landed, this response's HTML and data effects are skipped while
// messages and commands still run.
func (e *Engine) ApplyResult(ctx context.Context, c *runtime.Component, res *transport.Result, seq uint64) (any, error) {
	if res.Download != nil {
		return nil, e.handleDownload(res.Download)
	}

	env := res.Envelope
	if !env.Success {
		appErr := env.Meta.Error
		e.emitter.EmitNamed(events.Error, c.ID, map[string]any{
			"code":    appErr.Code,
			"message": appErr.Message,
		})
		return nil, appErr
	}

	if err := e.loadAssets(ctx, env.Meta.Assets); err != nil {
		return nil, err
	}

	if c.TryApply(seq) {
		if env.Payload.State != nil {
			c.ReplaceState(env.Payload.State)
		}
		if env.Payload.Encrypted != "" {
			c.SetEncrypted(env.Payload.Encrypted)
		}
		switch {
		case env.Payload.HTML != "":
			if err := e.morphInto(c, env.Payload.HTML); err != nil {
				return nil, err
			}
			e.emitter.EmitNamed(events.ComponentUpdated, c.ID, nil)
		case env.Payload.State != nil:
			e.emitter.EmitNamed(events.ComponentDataUpdated, c.ID, nil)
		}
	} else {
		e.logger.Debug("skipping superseded response effects", "component", c.ID, "seq", seq)
	}

	for _, msg := range env.Meta.Messages {
		e.emitter.EmitNamed(events.NewMessage, c.ID, map[string]any{"message": msg})
	}

	if err := e.runCommands(ctx, c, env.Meta.Commands); err != nil {
		return env.Payload.Result, err
	}
	return env.Payload.Result, nil
}

// morphInto reconciles fresh markup into the component's live subtree and
// re-derives subscription groups from the morphed markup. Child components
// whose nodes disappear are torn down via the removal hook.
func (e *Engine) morphInto(c *runtime.Component, fragment string) error {
	if c.Root == nil {
		return fmt.Errorf("engine: component %s has no live subtree to morph", c.ID)
	}
	hooks := morph.Hooks{
		NodeRemoved: func(n *dom.Node) {
			// A removed subtree can bury component roots at any depth.
			n.Walk(func(node *dom.Node) bool {
				id := node.Attr(dom.AttrID)
				if id == "" || id == c.ID {
					return true
				}
				if child := e.registry.Get(id); child != nil {
					e.Remove(child)
				}
				return false
			})
		},
	}
	if err := morph.MorphHTML(c.Root, fragment, hooks); err != nil {
		return err
	}
	if e.subs != nil {
		e.subs.Sync(c, c.DeclaredGroups())
	}
	return nil
}

// loadAssets fetches referenced scripts and styles in parallel and joins
// before effects apply.
func (e *Engine) loadAssets(ctx context.Context, assets []protocol.Asset) error {
	if e.assets == nil || len(assets) == 0 {
		return nil
	}
	errs := make([]error, len(assets))
	var wg sync.WaitGroup
	for i, asset := range assets {
		wg.Add(1)
		go func(i int, asset protocol.Asset) {
			defer wg.Done()
			errs[i] = e.assets.Load(ctx, asset)
		}(i, asset)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("engine: asset %s: %w", assets[i].URL, err)
		}
	}
	return nil
}

// runCommands executes server-specified side effects in order.
func (e *Engine) runCommands(ctx context.Context, c *runtime.Component, commands []protocol.Command) error {
	for _, cmd := range commands {
		switch cmd.Kind {
		case protocol.CommandInvoke:
			if err := c.InvokeMethod(cmd.Path, cmd.Args); err != nil {
				return err
			}
		case protocol.CommandRedirect:
			if e.redirect != nil {
				e.redirect(cmd.URL)
			}
		case protocol.CommandDispatch:
			detail, _ := cmd.Detail.(map[string]any)
			e.emitter.EmitNamed(cmd.Event, c.ID, detail)
		case protocol.CommandDownload:
			if err := e.handleDownload(&transport.Download{
				Filename:    cmd.Filename,
				ContentType: cmd.ContentType,
				Content:     cmd.Content,
			}); err != nil {
				return err
			}
		default:
			e.logger.Warn("unknown command kind", "kind", cmd.Kind, "component", c.ID)
		}
	}
	return nil
}

func (e *Engine) handleDownload(d *transport.Download) error {
	if e.download == nil {
		e.logger.Warn("download response with no handler", "filename", d.Filename)
		return nil
	}
	return e.download(d)
}
