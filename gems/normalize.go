package gems

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// Normalize collapses every run of whitespace into a single space and trims
// the result. Normalize(Normalize(s)) == Normalize(s) for any s.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	pending := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			pending = b.Len() > 0
			continue
		}
		if pending {
			b.WriteByte(' ')
			pending = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// textContent concatenates all descendant text of n in document order.
// Script and style bodies are not page text and are skipped.
func textContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(x *html.Node) {
		for c := x.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				b.WriteString(c.Data)
			case html.ElementNode:
				switch strings.ToLower(c.Data) {
				case "script", "style", "noscript", "template":
					continue
				}
				rec(c)
			}
		}
	}
	rec(n)
	return b.String()
}

// normalizedText is Normalize(textContent(n)).
func normalizedText(n *html.Node) string {
	return Normalize(textContent(n))
}
