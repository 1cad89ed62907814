package browser

import (
	"bytes"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"gemicons/gems"
	"gemicons/internal/config"
)

func el(id cdp.NodeID, name string, attrs []string, children ...*cdp.Node) *cdp.Node {
	return &cdp.Node{
		NodeID:     id,
		NodeType:   cdp.NodeTypeElement,
		NodeName:   name,
		LocalName:  name,
		Attributes: attrs,
		Children:   children,
	}
}

func text(id cdp.NodeID, s string) *cdp.Node {
	return &cdp.Node{NodeID: id, NodeType: cdp.NodeTypeText, NodeName: "#text", NodeValue: s}
}

func sampleDocument() *cdp.Node {
	host := el(10, "gem-chip", nil)
	host.ShadowRoots = []*cdp.Node{{
		NodeID:   11,
		NodeType: cdp.NodeTypeDocumentFragment,
		Children: []*cdp.Node{el(12, "span", []string{"class", "gem-icon"}, text(13, "C"))},
	}}
	frame := el(20, "iframe", []string{"src", "about:blank"})
	frame.ContentDocument = &cdp.Node{
		NodeID:   21,
		NodeType: cdp.NodeTypeDocument,
		Children: []*cdp.Node{el(22, "p", nil, text(23, "inside"))},
	}
	return &cdp.Node{
		NodeID:   1,
		NodeType: cdp.NodeTypeDocument,
		Children: []*cdp.Node{
			{NodeID: 2, NodeType: cdp.NodeTypeDocumentType, NodeName: "html"},
			el(3, "html", nil,
				el(4, "head", nil),
				el(5, "body", []string{"Class", "main"},
					&cdp.Node{NodeID: 6, NodeType: cdp.NodeTypeComment, NodeValue: "note"},
					el(7, "a", []string{"href", "/gem/1"}, text(8, "Coder")),
					host,
					frame,
				),
			),
		},
	}
}

func TestConvert(t *testing.T) {
	tree, table := convert(sampleDocument())

	var buf bytes.Buffer
	require.NoError(t, html.Render(&buf, tree))
	assert.Equal(t,
		`<!DOCTYPE html><html><head></head><body class="main"><!--note--><a href="/gem/1">Coder</a>`+
			`<gem-chip><span class="gem-icon">C</span></gem-chip>`+
			`<iframe src="about:blank"><p>inside</p></iframe></body></html>`,
		buf.String())

	id, ok := table.id(tree)
	require.True(t, ok)
	assert.Equal(t, cdp.NodeID(1), id)

	body := tree.FirstChild.NextSibling.LastChild
	require.Equal(t, "body", body.Data)
	assert.Equal(t, atom.Body, body.DataAtom)
	id, ok = table.id(body)
	require.True(t, ok)
	assert.Equal(t, cdp.NodeID(5), id)

	// Comments and doctypes are never mutated and are not tracked.
	_, ok = table.id(body.FirstChild)
	assert.False(t, ok)

	span := body.FirstChild.NextSibling.NextSibling.FirstChild
	require.Equal(t, "span", span.Data)
	id, _ = table.id(span)
	assert.Equal(t, cdp.NodeID(12), id)
}

func TestConvertNil(t *testing.T) {
	tree, table := convert(nil)
	assert.Equal(t, html.DocumentNode, tree.Type)
	assert.Nil(t, tree.FirstChild)
	assert.Zero(t, table.len())
}

func TestConvertElementRoot(t *testing.T) {
	tree, table := convert(el(7, "DIV", []string{"id"}))
	require.NotNil(t, tree.FirstChild)
	assert.Equal(t, "div", tree.FirstChild.Data)
	assert.Equal(t, atom.Div, tree.FirstChild.DataAtom)
	assert.Empty(t, tree.FirstChild.Attr, "dangling attribute name is dropped")
	assert.Equal(t, 1, table.len())
}

func TestMirrorUnknownNode(t *testing.T) {
	m := &cdpMirror{table: &nodeTable{ids: map[*html.Node]cdp.NodeID{}}}
	n := &html.Node{Type: html.ElementNode, Data: "img"}
	assert.ErrorIs(t, m.SetAttr(n, "style", ""), errUnknownNode)
	assert.ErrorIs(t, m.RemoveAttr(n, "style"), errUnknownNode)
	assert.ErrorIs(t, m.RemoveNode(n), errUnknownNode)
}

func TestRecord(t *testing.T) {
	tests := []struct {
		name string
		ev   any
		want gems.Record
		ok   bool
	}{
		{"insert", &dom.EventChildNodeInserted{ParentNodeID: 5, Node: el(30, "IMG", nil)},
			gems.Record{Op: gems.OpInsert, NodeID: 30, Tag: "img"}, true},
		{"insert without node", &dom.EventChildNodeInserted{ParentNodeID: 5},
			gems.Record{Op: gems.OpInsert, NodeID: 5}, true},
		{"remove", &dom.EventChildNodeRemoved{ParentNodeID: 5, NodeID: 30},
			gems.Record{Op: gems.OpRemove, NodeID: 30}, true},
		{"attr", &dom.EventAttributeModified{NodeID: 7, Name: "class", Value: "x"},
			gems.Record{Op: gems.OpAttr, NodeID: 7, Name: "class", Value: "x"}, true},
		{"attr removed", &dom.EventAttributeRemoved{NodeID: 7, Name: "class"},
			gems.Record{Op: gems.OpAttrDel, NodeID: 7, Name: "class"}, true},
		{"text", &dom.EventCharacterDataModified{NodeID: 8, CharacterData: "Writer"},
			gems.Record{Op: gems.OpText, NodeID: 8, Value: "Writer"}, true},
		{"document", &dom.EventDocumentUpdated{}, gems.Record{Op: gems.OpDocReset}, true},
		{"other", &dom.EventChildNodeCountUpdated{NodeID: 5, ChildNodeCount: 3}, gems.Record{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := record(tt.ev)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllocatorOptions(t *testing.T) {
	base := len(AllocatorOptions(config.BrowserConfig{}))
	withExtra := AllocatorOptions(config.BrowserConfig{
		UserDataDir: "/tmp/profile",
		Flags:       []string{"--lang=en-US", "disable-web-security", "  ", "="},
	})
	assert.Equal(t, base+3, len(withExtra))
}
