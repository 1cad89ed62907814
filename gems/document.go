package gems

import (
	"context"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// Mirror replays presentation mutations onto the real page behind a Document.
// Nodes passed to a Mirror always belong to the Document it is attached to.
type Mirror interface {
	SetAttr(n *html.Node, key, val string) error
	RemoveAttr(n *html.Node, key string) error
	RemoveNode(n *html.Node) error
}

// Document is the tree a pass runs over. It is not safe for concurrent use;
// passes are serialised by the Engine.
type Document struct {
	root    *html.Node
	mirror  Mirror
	changes int
}

// NewDocument wraps root. mirror may be nil for purely in-memory trees.
func NewDocument(root *html.Node, mirror Mirror) *Document {
	return &Document{root: root, mirror: mirror}
}

// ParseDocument parses r as HTML into a mirror-less Document.
func ParseDocument(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	return NewDocument(root, nil), nil
}

// Root returns the document node.
func (d *Document) Root() *html.Node { return d.root }

// Changes counts the attribute and structure changes applied so far.
func (d *Document) Changes() int { return d.changes }

// Render serialises the current tree.
func (d *Document) Render(w io.Writer) error {
	return html.Render(w, d.root)
}

// SetAttr sets key on n. Setting the value already present is a no-op and
// is not forwarded to the mirror. The in-memory tree only changes once the
// mirror has accepted the change.
func (d *Document) SetAttr(n *html.Node, key, val string) error {
	idx := attrIndex(n, key)
	if idx >= 0 && n.Attr[idx].Val == val {
		return nil
	}
	if d.mirror != nil {
		if err := d.mirror.SetAttr(n, key, val); err != nil {
			return err
		}
	}
	if idx >= 0 {
		n.Attr[idx].Val = val
	} else {
		n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
	}
	d.changes++
	return nil
}

// RemoveAttr deletes key from n if present.
func (d *Document) RemoveAttr(n *html.Node, key string) error {
	idx := attrIndex(n, key)
	if idx < 0 {
		return nil
	}
	if d.mirror != nil {
		if err := d.mirror.RemoveAttr(n, key); err != nil {
			return err
		}
	}
	n.Attr = append(n.Attr[:idx], n.Attr[idx+1:]...)
	d.changes++
	return nil
}

// RemoveNode detaches n from its parent.
func (d *Document) RemoveNode(n *html.Node) error {
	if n.Parent == nil {
		return nil
	}
	// Mirror first: it may need the parent link to address the node.
	if d.mirror != nil {
		if err := d.mirror.RemoveNode(n); err != nil {
			return err
		}
	}
	n.Parent.RemoveChild(n)
	d.changes++
	return nil
}

func attrIndex(n *html.Node, key string) int {
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && strings.EqualFold(n.Attr[i].Key, key) {
			return i
		}
	}
	return -1
}

func getAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

// Source yields the document each pass runs over and reports mutations.
type Source interface {
	// Snapshot returns the document state for the next pass.
	Snapshot(ctx context.Context) (*Document, error)
	// Subscribe registers fn for mutation batches; the returned func detaches it.
	Subscribe(fn func(Batch)) (cancel func())
}

// StaticSource serves a single in-memory document. Mutations are reported by
// calling Notify.
type StaticSource struct {
	doc *Document

	mu   sync.Mutex
	next int
	subs map[int]func(Batch)
}

// NewStaticSource serves doc on every Snapshot.
func NewStaticSource(doc *Document) *StaticSource {
	return &StaticSource{doc: doc, subs: make(map[int]func(Batch))}
}

func (s *StaticSource) Snapshot(context.Context) (*Document, error) { return s.doc, nil }

func (s *StaticSource) Subscribe(fn func(Batch)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Notify delivers b to every subscriber.
func (s *StaticSource) Notify(b Batch) {
	s.mu.Lock()
	fns := make([]func(Batch), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(b)
	}
}

// Subscribers reports how many subscriptions are attached.
func (s *StaticSource) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
