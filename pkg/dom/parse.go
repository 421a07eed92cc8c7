package dom

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/livemorph/livemorph/pkg/xjson"
)

// Parse parses an HTML fragment into dom nodes. Marker attributes are
// lifted into the typed Key and Directive fields; malformed markup morphs
// to whatever the HTML parser produces, it is never an error here.
func Parse(fragment string) ([]*Node, error) {
	context := &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	}
	parsed, err := html.ParseFragment(strings.NewReader(fragment), context)
	if err != nil {
		return nil, err
	}
	var nodes []*Node
	for _, p := range parsed {
		if n := fromHTML(p); n != nil {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// ParseOne parses a fragment and returns its first element node. Leading
// and trailing whitespace-only text is skipped.
func ParseOne(fragment string) (*Node, error) {
	nodes, err := Parse(fragment)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.Kind == KindElement {
			return n, nil
		}
	}
	for _, n := range nodes {
		if n.Kind != KindText || strings.TrimSpace(n.Text) != "" {
			return n, nil
		}
	}
	return nil, nil
}

// fromHTML converts a parsed html.Node subtree.
func fromHTML(h *html.Node) *Node {
	switch h.Type {
	case html.TextNode:
		return NewText(h.Data)

	case html.CommentNode:
		return NewComment(h.Data)

	case html.ElementNode:
		n := NewElement(h.Data)
		for _, a := range h.Attr {
			n.SetAttr(a.Key, a.Val)
		}
		liftMarkers(n)
		for c := h.FirstChild; c != nil; c = c.NextSibling {
			if child := fromHTML(c); child != nil {
				n.AppendChild(child)
			}
		}
		return n
	}
	return nil
}

// liftMarkers moves marker attributes into the typed node fields.
func liftMarkers(n *Node) {
	if key := n.Attr(AttrKey); key != "" {
		n.Key = key
	}
	if _, ok := n.Attrs[AttrPreserve]; ok {
		n.Directive = Directive{Kind: DirectivePreserve}
		return
	}
	if raw := n.Attr(AttrMerge); raw != "" {
		d := Directive{Kind: DirectiveMerge}
		if v, err := xjson.Decode(raw); err == nil {
			if m, ok := v.(map[string]any); ok {
				d.New = m
			}
		}
		if raw := n.Attr(AttrBaseline); raw != "" {
			if v, err := xjson.Decode(raw); err == nil {
				if m, ok := v.(map[string]any); ok {
					d.Baseline = m
				}
			}
		}
		n.Directive = d
	}
}
