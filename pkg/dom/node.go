// Package dom provides the live node tree the morph engine operates on:
// a small element/text/comment tree standing in for the browser DOM, with
// per-node reactive state and typed patch directives.
package dom

import "strings"

// NodeKind is the node type discriminator.
type NodeKind uint8

const (
	KindElement NodeKind = iota // <div>, <input>, etc.
	KindText                    // plain text node
	KindComment                 // <!-- comment -->, used for block markers
)

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	switch k {
	case KindElement:
		return "Element"
	case KindText:
		return "Text"
	case KindComment:
		return "Comment"
	default:
		return "Unknown"
	}
}

// Marker attributes recognized on parsed elements. Parse lifts them into
// the typed Key and Directive fields so the reconciler never sniffs
// attribute strings.
const (
	AttrID       = "live-id"       // component identity
	AttrKey      = "live-key"      // reconciliation key
	AttrGroups   = "live-groups"   // declared subscription groups
	AttrPreserve = "live-preserve" // keep current live state verbatim
	AttrMerge    = "live-merge"    // merge new server values (JSON map)
	AttrBaseline = "live-baseline" // baseline values for merge (JSON map)
)

// DirectiveKind discriminates patch directives.
type DirectiveKind uint8

const (
	// DirectiveReplace is the default: the incoming node's state applies.
	DirectiveReplace DirectiveKind = iota

	// DirectivePreserve keeps the live node's reactive state verbatim.
	DirectivePreserve

	// DirectiveMerge merges New into the live state per key, skipping keys
	// whose live value differs from Baseline (locally edited since last
	// sync).
	DirectiveMerge
)

// Directive is the typed patch hint attached to a target node.
type Directive struct {
	Kind     DirectiveKind
	New      map[string]any
	Baseline map[string]any
}

// Node is a live tree node.
type Node struct {
	Kind     NodeKind
	Tag      string            // element tag name
	Attrs    map[string]string // element attributes
	Children []*Node
	Parent   *Node

	// Key is the reconciliation key (from live-key).
	Key string

	// Text holds content for text and comment nodes.
	Text string

	// State is the node's reactive-state handle, owned by the client.
	State map[string]any

	// Directive is the patch directive for incoming target nodes.
	Directive Directive
}

// NewElement creates an element node with the given tag and children.
func NewElement(tag string, children ...*Node) *Node {
	n := &Node{Kind: KindElement, Tag: tag, Attrs: map[string]string{}}
	for _, c := range children {
		n.AppendChild(c)
	}
	return n
}

// NewText creates a text node.
func NewText(text string) *Node {
	return &Node{Kind: KindText, Text: text}
}

// NewComment creates a comment node.
func NewComment(text string) *Node {
	return &Node{Kind: KindComment, Text: text}
}

// SetAttr sets an attribute, allocating the map if needed.
func (n *Node) SetAttr(key, value string) *Node {
	if n.Attrs == nil {
		n.Attrs = map[string]string{}
	}
	n.Attrs[key] = value
	return n
}

// Attr returns the attribute value, or "" if absent.
func (n *Node) Attr(key string) string {
	return n.Attrs[key]
}

// AppendChild appends c and sets its parent.
func (n *Node) AppendChild(c *Node) {
	c.Parent = n
	n.Children = append(n.Children, c)
}

// InsertChild inserts c at index i.
func (n *Node) InsertChild(i int, c *Node) {
	c.Parent = n
	n.Children = append(n.Children, nil)
	copy(n.Children[i+1:], n.Children[i:])
	n.Children[i] = c
}

// RemoveChild removes c from n's children. Returns true if found.
func (n *Node) RemoveChild(c *Node) bool {
	for i, ch := range n.Children {
		if ch == c {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			c.Parent = nil
			return true
		}
	}
	return false
}

// Detach removes n from its parent, if any.
func (n *Node) Detach() {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// Clone deep-copies the node and its subtree. The clone has no parent.
// State maps are copied shallowly per node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{
		Kind:      n.Kind,
		Tag:       n.Tag,
		Key:       n.Key,
		Text:      n.Text,
		Directive: n.Directive,
	}
	if n.Attrs != nil {
		c.Attrs = make(map[string]string, len(n.Attrs))
		for k, v := range n.Attrs {
			c.Attrs[k] = v
		}
	}
	if n.State != nil {
		c.State = make(map[string]any, len(n.State))
		for k, v := range n.State {
			c.State[k] = v
		}
	}
	for _, ch := range n.Children {
		c.AppendChild(ch.Clone())
	}
	return c
}

// Walk visits n and its subtree depth-first. Returning false from fn stops
// descent into that subtree.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Find returns the first node in the subtree for which fn returns true.
func (n *Node) Find(fn func(*Node) bool) *Node {
	var found *Node
	n.Walk(func(node *Node) bool {
		if found != nil {
			return false
		}
		if fn(node) {
			found = node
			return false
		}
		return true
	})
	return found
}

// FindByID returns the node whose live-id attribute equals identity.
func (n *Node) FindByID(identity string) *Node {
	return n.Find(func(node *Node) bool {
		return node.Kind == KindElement && node.Attr(AttrID) == identity
	})
}

// Groups parses the node's declared subscription groups from the
// live-groups attribute (whitespace separated).
func (n *Node) Groups() []string {
	raw := n.Attr(AttrGroups)
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// IsMarker reports whether the node is a conditional block marker comment
// with the given prefix, returning the marker id.
func (n *Node) isMarker(prefix string) (string, bool) {
	if n == nil || n.Kind != KindComment {
		return "", false
	}
	text := strings.TrimSpace(n.Text)
	if !strings.HasPrefix(text, prefix) {
		return "", false
	}
	return strings.TrimPrefix(text, prefix), true
}

// Conditional block marker prefixes. A template conditional region is
// delimited by <!--livemorph:if:ID--> ... <!--livemorph:endif:ID-->.
const (
	markerIfPrefix    = "livemorph:if:"
	markerEndifPrefix = "livemorph:endif:"
)

// BlockStart returns the marker id if n opens a conditional block.
func (n *Node) BlockStart() (string, bool) {
	return n.isMarker(markerIfPrefix)
}

// BlockEnd returns the marker id if n closes a conditional block.
func (n *Node) BlockEnd() (string, bool) {
	return n.isMarker(markerEndifPrefix)
}
