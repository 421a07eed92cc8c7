// Package morph mutates a live dom tree in place to match a target tree
// with minimal destructive changes. Matching nodes keep their identity (and
// any client-only state); mismatched nodes are replaced wholesale. Keyed
// lookahead relocates reordered subtrees instead of recreating them, and
// paired conditional block markers are diffed as a unit so a toggled block
// cannot misalign unrelated siblings.
package morph

import (
	"github.com/livemorph/livemorph/pkg/dom"
	"github.com/livemorph/livemorph/pkg/xjson"
)

// Hooks are lifecycle notifications fired during reconciliation. NodeRemoved
// fires on the root of a removed subtree before detachment; NodeAdded fires
// on the root of an inserted subtree after attachment. Either may be nil.
type Hooks struct {
	NodeAdded   func(*dom.Node)
	NodeRemoved func(*dom.Node)
}

func (h Hooks) added(n *dom.Node) {
	if h.NodeAdded != nil {
		h.NodeAdded(n)
	}
}

func (h Hooks) removed(n *dom.Node) {
	if h.NodeRemoved != nil {
		h.NodeRemoved(n)
	}
}

// Morph mutates live to match target. The target tree is not modified;
// inserted nodes are clones. When the roots themselves do not match, live
// is rewritten in place so existing references to it stay valid.
func Morph(live, target *dom.Node, hooks Hooks) {
	if live == nil || target == nil {
		return
	}
	if structuralMatch(live, target) {
		morphNode(live, target, hooks)
		return
	}

	// Wholesale root replacement, in place. The hook gets a snapshot of
	// the old subtree so callers can still identify what was replaced.
	hooks.removed(live.Clone())

	fresh := target.Clone()
	live.Kind = fresh.Kind
	live.Tag = fresh.Tag
	live.Text = fresh.Text
	live.Key = fresh.Key
	live.Attrs = fresh.Attrs
	live.State = fresh.State
	live.Directive = dom.Directive{}
	live.Children = nil
	for _, c := range fresh.Children {
		live.AppendChild(c)
	}
	hooks.added(live)
}

// MorphHTML parses an HTML fragment and morphs live to its first element.
func MorphHTML(live *dom.Node, fragment string, hooks Hooks) error {
	target, err := dom.ParseOne(fragment)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	Morph(live, target, hooks)
	return nil
}

// structuralMatch reports whether two nodes can be reconciled in place:
// same kind, and for elements same tag and key.
func structuralMatch(a, b *dom.Node) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == dom.KindElement {
		return a.Tag == b.Tag && a.Key == b.Key
	}
	return true
}

// morphNode reconciles two structurally matching nodes.
func morphNode(live, target *dom.Node, hooks Hooks) {
	switch live.Kind {
	case dom.KindText, dom.KindComment:
		live.Text = target.Text

	case dom.KindElement:
		applyDirective(live, target)
		morphAttrs(live, target)
		morphChildren(live, target, hooks)
	}
}

// applyDirective reconciles the live node's reactive state per the target's
// patch directive. This runs before generic attribute copying.
func applyDirective(live, target *dom.Node) {
	switch target.Directive.Kind {
	case dom.DirectivePreserve:
		// Keep current live state verbatim.

	case dom.DirectiveMerge:
		// Per-field last-writer-wins with staleness detection: a field the
		// user changed since the baseline keeps its local value.
		if live.State == nil && len(target.Directive.New) > 0 {
			live.State = make(map[string]any, len(target.Directive.New))
		}
		for k, newVal := range target.Directive.New {
			liveVal, exists := live.State[k]
			if exists && !xjson.Equal(liveVal, target.Directive.Baseline[k]) {
				continue // locally edited, server value discarded for this field
			}
			live.State[k] = newVal
		}

	default:
		// Server-parsed targets carry no state handle; a nil target state
		// means "no opinion", not "clear". Client state survives the match.
		if target.State != nil {
			live.State = make(map[string]any, len(target.State))
			for k, v := range target.State {
				live.State[k] = v
			}
		}
	}
}

// morphAttrs diffs attributes: add missing, remove extraneous, update
// changed.
func morphAttrs(live, target *dom.Node) {
	for k := range live.Attrs {
		if _, ok := target.Attrs[k]; !ok {
			delete(live.Attrs, k)
		}
	}
	for k, v := range target.Attrs {
		if live.Attrs[k] != v {
			live.SetAttr(k, v)
		}
	}
	live.Key = target.Key
}

// morphChildren walks live and target children in lockstep, building the
// new child list.
func morphChildren(live, target *dom.Node, hooks Hooks) {
	old := live.Children
	used := make([]bool, len(old))
	result := make([]*dom.Node, 0, len(target.Children))

	i := 0
	advance := func() {
		for i < len(old) && used[i] {
			i++
		}
	}

	for j := 0; j < len(target.Children); j++ {
		tc := target.Children[j]
		advance()

		// Matched conditional block markers on both sides diff as a unit.
		if id, ok := tc.BlockStart(); ok && i < len(old) {
			if lid, lok := old[i].BlockStart(); lok && lid == id {
				lEnd := findBlockEnd(old, i+1, id)
				tEnd := findBlockEnd(target.Children, j+1, id)
				if lEnd >= 0 && tEnd >= 0 {
					lFrag := blockFragment(old[i+1 : lEnd])
					tFrag := blockFragment(target.Children[j+1 : tEnd])
					morphChildren(lFrag, tFrag, hooks)

					result = append(result, old[i])
					result = append(result, lFrag.Children...)
					result = append(result, old[lEnd])
					for k := i; k <= lEnd; k++ {
						used[k] = true
					}
					j = tEnd
					continue
				}
			}
		}

		var lc *dom.Node
		if i < len(old) {
			lc = old[i]
		}

		// In-place match.
		if lc != nil && structuralMatch(lc, tc) {
			used[i] = true
			morphNode(lc, tc, hooks)
			result = append(result, lc)
			continue
		}

		// Lookahead: a later live keyed subtree matches this target child.
		// Relocate it instead of destroying and recreating.
		if k := findKeyedMatch(old, used, i+1, tc); k >= 0 {
			moved := old[k]
			used[k] = true
			morphNode(moved, tc, hooks)
			result = append(result, moved)
			continue
		}

		// Lookahead the other way: the current live child matches a later
		// target sibling, so keep it for that position and insert fresh
		// markup here.
		if lc != nil && keyedMatchInTargets(target.Children, j+1, lc) {
			fresh := tc.Clone()
			result = append(result, fresh)
			hooks.added(fresh)
			continue
		}

		// Wholesale replace (or plain append past the end of live).
		if lc != nil {
			used[i] = true
			hooks.removed(lc)
		}
		fresh := tc.Clone()
		result = append(result, fresh)
		hooks.added(fresh)
	}

	for k, c := range old {
		if !used[k] {
			hooks.removed(c)
			c.Parent = nil
		}
	}

	live.Children = live.Children[:0]
	for _, c := range result {
		c.Parent = live
		live.Children = append(live.Children, c)
	}
}

// findBlockEnd returns the index of the endif marker for id at or after
// start, or -1.
func findBlockEnd(nodes []*dom.Node, start int, id string) int {
	for k := start; k < len(nodes); k++ {
		if eid, ok := nodes[k].BlockEnd(); ok && eid == id {
			return k
		}
	}
	return -1
}

// blockFragment wraps a child slice in a virtual container for recursion.
func blockFragment(children []*dom.Node) *dom.Node {
	frag := &dom.Node{Kind: dom.KindElement, Tag: "#block"}
	frag.Children = append(frag.Children, children...)
	return frag
}

// findKeyedMatch scans live children from start for an unused keyed element
// that structurally matches tc. Lookahead applies to keyed elements only;
// unkeyed mismatches replace wholesale.
func findKeyedMatch(nodes []*dom.Node, used []bool, start int, tc *dom.Node) int {
	if tc.Kind != dom.KindElement || tc.Key == "" {
		return -1
	}
	for k := start; k < len(nodes); k++ {
		if used[k] {
			continue
		}
		if structuralMatch(nodes[k], tc) {
			return k
		}
	}
	return -1
}

// keyedMatchInTargets reports whether lc (a keyed element) matches a later
// target sibling.
func keyedMatchInTargets(targets []*dom.Node, start int, lc *dom.Node) bool {
	if lc.Kind != dom.KindElement || lc.Key == "" {
		return false
	}
	for k := start; k < len(targets); k++ {
		if structuralMatch(lc, targets[k]) {
			return true
		}
	}
	return false
}
