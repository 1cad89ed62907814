package gems

import (
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	cssast "github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	"go.uber.org/multierr"
	"golang.org/x/net/html"
)

// managedProps are the inline properties the applicator owns. Any page value
// for them is replaced on every paint.
var managedProps = map[string]struct{}{
	"color":               {},
	"background":          {},
	"background-image":    {},
	"background-size":     {},
	"background-position": {},
	"background-repeat":   {},
	"border":              {},
	"box-shadow":          {},
	"border-radius":       {},
	"min-width":           {},
	"min-height":          {},
	"display":             {},
}

type applicator struct {
	artifact cascadia.Selector
	minSize  int
	tracker  *tracker
}

// apply paints src over el and marks it. An empty src paints inertly: the
// element is cleared but shows no image.
func (a *applicator) apply(doc *Document, el *html.Node, src string) error {
	var errs error

	hadArtifacts := false
	for _, art := range cascadia.QueryAll(el, a.artifact) {
		hadArtifacts = true
		errs = multierr.Append(errs, doc.RemoveNode(art))
	}

	cur, _ := getAttr(el, "style")
	style := a.paintStyle(cur, src, hadArtifacts)
	errs = multierr.Append(errs, doc.SetAttr(el, "style", style))
	if errs != nil {
		return errs
	}
	return a.tracker.markProcessed(doc, el)
}

// paintStyle rewrites an inline style so the managed properties carry the
// replacement paint. Unrelated page declarations are kept in order.
func (a *applicator) paintStyle(current, src string, unhide bool) string {
	kept := make([]*cssast.Declaration, 0, 8)
	for _, d := range parseInline(current) {
		prop := strings.ToLower(d.Property)
		if _, owned := managedProps[prop]; owned {
			continue
		}
		if unhide && hidesElement(prop, d.Value) {
			continue
		}
		kept = append(kept, d)
	}

	size := fmt.Sprintf("%dpx", a.minSize)
	paint := []*cssast.Declaration{
		{Property: "color", Value: "transparent", Important: true},
		{Property: "background", Value: "none", Important: true},
	}
	if src != "" {
		paint = append(paint,
			&cssast.Declaration{Property: "background-image", Value: cssURL(src), Important: true},
			&cssast.Declaration{Property: "background-size", Value: "cover", Important: true},
			&cssast.Declaration{Property: "background-position", Value: "center", Important: true},
			&cssast.Declaration{Property: "background-repeat", Value: "no-repeat", Important: true},
		)
	}
	paint = append(paint,
		&cssast.Declaration{Property: "border", Value: "none", Important: true},
		&cssast.Declaration{Property: "box-shadow", Value: "none", Important: true},
		&cssast.Declaration{Property: "border-radius", Value: "50%", Important: true},
		&cssast.Declaration{Property: "min-width", Value: size, Important: true},
		&cssast.Declaration{Property: "min-height", Value: size, Important: true},
		&cssast.Declaration{Property: "display", Value: "flex", Important: true},
	)

	parts := make([]string, 0, len(kept)+len(paint))
	for _, d := range kept {
		parts = append(parts, d.String())
	}
	for _, d := range paint {
		parts = append(parts, d.String())
	}
	return strings.Join(parts, " ")
}

// parseInline parses a style attribute. Unparseable page styles are dropped.
func parseInline(style string) []*cssast.Declaration {
	style = strings.TrimSpace(style)
	if style == "" {
		return nil
	}
	// The parser only finalises a declaration on ';'.
	if !strings.HasSuffix(style, ";") {
		style += ";"
	}
	decls, err := parser.ParseDeclarations(style)
	if err != nil {
		return nil
	}
	out := decls[:0]
	for _, d := range decls {
		if d == nil || strings.TrimSpace(d.Property) == "" || strings.TrimSpace(d.Value) == "" {
			continue
		}
		d.Property = strings.ToLower(strings.TrimSpace(d.Property))
		out = append(out, d)
	}
	return out
}

func hidesElement(prop, val string) bool {
	v := strings.ToLower(strings.TrimSpace(val))
	switch prop {
	case "visibility":
		return v == "hidden"
	case "display":
		return v == "none"
	case "opacity":
		return v == "0"
	}
	return false
}

// cssURL quotes src as a CSS url() token.
func cssURL(src string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", "", "\r", "")
	return `url("` + r.Replace(src) + `")`
}
