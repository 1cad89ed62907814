package gems

import (
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// iconCandidates lists every icon placeholder in document order. Queried
// fresh every pass; the tree may have changed since the last one.
func (e *Engine) iconCandidates(doc *Document) []*html.Node {
	return e.sel.icon.MatchAll(doc.Root())
}

// linkCandidates lists every entity link in document order.
func (e *Engine) linkCandidates(doc *Document) []*html.Node {
	return e.sel.link.MatchAll(doc.Root())
}

// closest returns the nearest strict ancestor of n matched by sel.
func closest(n *html.Node, sel cascadia.Selector) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && sel.Match(p) {
			return p
		}
	}
	return nil
}

// countUnder counts descendants of n matched by sel, stopping once limit is
// exceeded.
func countUnder(n *html.Node, sel cascadia.Selector, limit int) int {
	count := 0
	var rec func(*html.Node) bool
	rec = func(x *html.Node) bool {
		for c := x.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if sel.Match(c) {
				count++
				if count > limit {
					return false
				}
			}
			if !rec(c) {
				return false
			}
		}
		return true
	}
	rec(n)
	return count
}
