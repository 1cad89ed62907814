package gems

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/net/html"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Foo\n  Bar ", "Foo Bar"},
		{"", ""},
		{"\t\n ", ""},
		{"Weekly Report", "Weekly Report"},
		{"a\r\n\r\nb   c", "a b c"},
		{"already clean", "already clean"},
	}
	for _, tt := range tests {
		got := Normalize(tt.in)
		assert.Equal(t, tt.want, got, "Normalize(%q)", tt.in)
		assert.Equal(t, got, Normalize(got), "Normalize not idempotent for %q", tt.in)
	}
}

func TestTextContentSkipsScripts(t *testing.T) {
	root, err := html.Parse(strings.NewReader(
		`<div id="x">Daily <script>var gem = "Nope";</script><b>Notes</b><style>.a{}</style></div>`))
	if err != nil {
		t.Fatal(err)
	}
	var div *html.Node
	var find func(*html.Node)
	find = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "div" {
			div = n
			return
		}
		for c := n.FirstChild; c != nil && div == nil; c = c.NextSibling {
			find(c)
		}
	}
	find(root)
	if div == nil {
		t.Fatal("div not found")
	}
	assert.Equal(t, "Daily Notes", normalizedText(div))
}
