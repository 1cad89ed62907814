package browser

import (
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// nodeTable maps converted nodes back to their DevTools ids.
type nodeTable struct {
	ids map[*html.Node]cdp.NodeID
}

func (t *nodeTable) id(n *html.Node) (cdp.NodeID, bool) {
	id, ok := t.ids[n]
	return id, ok
}

func (t *nodeTable) len() int { return len(t.ids) }

// convert builds an html tree from a DOM.getDocument result. Shadow roots
// and frame documents are flattened under their host element so that
// selectors and ancestor text see what the user sees.
func convert(root *cdp.Node) (*html.Node, *nodeTable) {
	t := &nodeTable{ids: make(map[*html.Node]cdp.NodeID)}
	doc := &html.Node{Type: html.DocumentNode}
	if root == nil {
		return doc, t
	}
	if root.NodeType == cdp.NodeTypeDocument {
		t.ids[doc] = root.NodeID
		t.appendChildren(doc, root)
	} else {
		t.appendNode(doc, root)
	}
	return doc, t
}

func (t *nodeTable) appendChildren(parent *html.Node, src *cdp.Node) {
	for _, sr := range src.ShadowRoots {
		t.appendChildren(parent, sr)
	}
	if src.ContentDocument != nil {
		t.appendChildren(parent, src.ContentDocument)
	}
	for _, c := range src.Children {
		t.appendNode(parent, c)
	}
}

func (t *nodeTable) appendNode(parent *html.Node, src *cdp.Node) {
	if src == nil {
		return
	}
	switch src.NodeType {
	case cdp.NodeTypeElement:
		name := src.LocalName
		if name == "" {
			name = src.NodeName
		}
		name = strings.ToLower(name)
		n := &html.Node{
			Type:     html.ElementNode,
			Data:     name,
			DataAtom: atom.Lookup([]byte(name)),
			Attr:     attributes(src.Attributes),
		}
		t.ids[n] = src.NodeID
		parent.AppendChild(n)
		t.appendChildren(n, src)

	case cdp.NodeTypeText, cdp.NodeTypeCDATA:
		n := &html.Node{Type: html.TextNode, Data: src.NodeValue}
		t.ids[n] = src.NodeID
		parent.AppendChild(n)

	case cdp.NodeTypeComment:
		parent.AppendChild(&html.Node{Type: html.CommentNode, Data: src.NodeValue})

	case cdp.NodeTypeDocumentType:
		parent.AppendChild(&html.Node{Type: html.DoctypeNode, Data: strings.ToLower(src.NodeName)})

	case cdp.NodeTypeDocument, cdp.NodeTypeDocumentFragment:
		t.appendChildren(parent, src)
	}
}

func attributes(flat []string) []html.Attribute {
	if len(flat) < 2 {
		return nil
	}
	out := make([]html.Attribute, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out = append(out, html.Attribute{Key: strings.ToLower(flat[i]), Val: flat[i+1]})
	}
	return out
}
