package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"golang.org/x/net/html"
)

// errUnknownNode is returned for nodes that were not part of the snapshot
// the mirror was built from.
var errUnknownNode = errors.New("browser: node not in snapshot")

// cdpMirror replays document mutations onto the live tab.
type cdpMirror struct {
	ctx   context.Context
	table *nodeTable
}

func (m *cdpMirror) SetAttr(n *html.Node, key, val string) error {
	id, ok := m.table.id(n)
	if !ok {
		return errUnknownNode
	}
	if err := chromedp.Run(m.ctx, dom.SetAttributeValue(id, key, val)); err != nil {
		return fmt.Errorf("set %s on node %d: %w", key, id, err)
	}
	return nil
}

func (m *cdpMirror) RemoveAttr(n *html.Node, key string) error {
	id, ok := m.table.id(n)
	if !ok {
		return errUnknownNode
	}
	if err := chromedp.Run(m.ctx, dom.RemoveAttribute(id, key)); err != nil {
		return fmt.Errorf("remove %s on node %d: %w", key, id, err)
	}
	return nil
}

func (m *cdpMirror) RemoveNode(n *html.Node) error {
	id, ok := m.table.id(n)
	if !ok {
		return errUnknownNode
	}
	if err := chromedp.Run(m.ctx, dom.RemoveNode(id)); err != nil {
		return fmt.Errorf("remove node %d: %w", id, err)
	}
	return nil
}
