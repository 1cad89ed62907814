package gems

import (
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// Strategy names the signal a match was found with.
type Strategy int

const (
	StrategyNone     Strategy = iota
	StrategyLink              // icon sits inside an entity link
	StrategyAncestor          // nearby row text, behind the leading-character gate
	StrategyHeading           // page heading, behind the gate, outside navigation
	StrategySibling           // link sweep found the icon next to the link
)

func (s Strategy) String() string {
	switch s {
	case StrategyLink:
		return "link"
	case StrategyAncestor:
		return "ancestor"
	case StrategyHeading:
		return "heading"
	case StrategySibling:
		return "sibling"
	default:
		return "none"
	}
}

// passContext carries what one pass computes once and shares.
type passContext struct {
	doc   *Document
	cands []candidate

	heading     string
	headingDone bool
}

func (e *Engine) newPassContext(doc *Document, bindings []Binding) *passContext {
	return &passContext{doc: doc, cands: active(bindings)}
}

func (pc *passContext) headingText(sel cascadia.Selector) string {
	if !pc.headingDone {
		pc.headingDone = true
		if h := cascadia.Query(pc.doc.Root(), sel); h != nil {
			pc.heading = normalizedText(h)
		}
	}
	return pc.heading
}

// resolveIcon tries each strategy in priority order and stops at the first hit.
func (e *Engine) resolveIcon(pc *passContext, icon *html.Node) (candidate, Strategy, bool) {
	if len(pc.cands) == 0 {
		return candidate{}, StrategyNone, false
	}

	// An explicit entity link is the strongest signal; no gate.
	if link := closest(icon, e.sel.link); link != nil {
		if c, ok := firstContained(pc.cands, normalizedText(link)); ok {
			return c, StrategyLink, true
		}
	}

	glyph := normalizedText(icon)
	filtered := gated(pc.cands, glyph)
	if len(filtered) == 0 {
		return candidate{}, StrategyNone, false
	}

	depth := 0
	for p := icon.Parent; p != nil && p.Type == html.ElementNode && depth < e.cfg.MaxDepth; p = p.Parent {
		depth++
		// Past this point the ancestor spans several rows and its text
		// would match whichever gem happens to be listed first.
		if countUnder(p, e.sel.icon, e.cfg.FanOut) > e.cfg.FanOut {
			break
		}
		if c, ok := firstContained(filtered, normalizedText(p)); ok {
			return c, StrategyAncestor, true
		}
	}

	if closest(icon, e.sel.nav) != nil {
		return candidate{}, StrategyNone, false
	}
	if c, ok := firstContained(filtered, pc.headingText(e.sel.heading)); ok {
		return c, StrategyHeading, true
	}
	return candidate{}, StrategyNone, false
}

// resolveLink matches an entity link by its own text and locates the icon
// that belongs to it, either inside the link or beside it under the same parent.
func (e *Engine) resolveLink(pc *passContext, link *html.Node) (candidate, *html.Node, bool) {
	if len(pc.cands) == 0 {
		return candidate{}, nil, false
	}
	c, ok := firstContained(pc.cands, normalizedText(link))
	if !ok {
		return candidate{}, nil, false
	}
	icon := cascadia.Query(link, e.sel.icon)
	if icon == nil && link.Parent != nil {
		icon = cascadia.Query(link.Parent, e.sel.icon)
	}
	if icon == nil {
		return candidate{}, nil, false
	}
	return c, icon, true
}

// Resolve reports which binding the icon element represents under the
// current bindings, without painting anything.
func (e *Engine) Resolve(doc *Document, icon *html.Node) (Binding, Strategy, bool) {
	pc := e.newPassContext(doc, e.Bindings())
	c, how, ok := e.resolveIcon(pc, icon)
	return c.Binding, how, ok
}

// ResolveLink reports the binding and icon element an entity link resolves to.
func (e *Engine) ResolveLink(doc *Document, link *html.Node) (Binding, *html.Node, bool) {
	pc := e.newPassContext(doc, e.Bindings())
	c, icon, ok := e.resolveLink(pc, link)
	return c.Binding, icon, ok
}
