package gems

import (
	"github.com/andybalholm/cascadia"
	"go.uber.org/multierr"
	"golang.org/x/net/html"
)

// markerValue is what markProcessed writes; any present value counts.
const markerValue = "true"

// tracker is the per-element idempotency bookkeeping. The marker attribute
// lives on the element itself so it survives across snapshots of a live page.
type tracker struct {
	attr     string
	artifact cascadia.Selector
	presence cascadia.Selector
}

func newTracker(attr string, artifact cascadia.Selector) *tracker {
	return &tracker{
		attr:     attr,
		artifact: artifact,
		presence: attrPresence(attr),
	}
}

// attrPresence matches elements carrying attr, whatever the value.
func attrPresence(attr string) cascadia.Selector {
	return func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		_, ok := getAttr(n, attr)
		return ok
	}
}

// isProcessed is true only when the marker is set and no leftover artifact
// from an earlier engine sits under the element. Leftovers prove the marker
// was written by someone else's paint and cannot be trusted.
func (t *tracker) isProcessed(el *html.Node) bool {
	if _, ok := getAttr(el, t.attr); !ok {
		return false
	}
	return !t.hasArtifact(el)
}

func (t *tracker) hasArtifact(el *html.Node) bool {
	return cascadia.Query(el, t.artifact) != nil
}

func (t *tracker) markProcessed(doc *Document, el *html.Node) error {
	return doc.SetAttr(el, t.attr, markerValue)
}

// invalidateAll strips the marker from every element carrying it. Paint is
// left in place; the next pass repaints what still matches.
func (t *tracker) invalidateAll(doc *Document) (int, error) {
	marked := t.presence.MatchAll(doc.Root())
	var errs error
	for _, el := range marked {
		errs = multierr.Append(errs, doc.RemoveAttr(el, t.attr))
	}
	return len(marked), errs
}
