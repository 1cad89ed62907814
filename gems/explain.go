package gems

import "golang.org/x/net/html"

// Explanation describes how one icon placeholder resolves under the current
// bindings.
type Explanation struct {
	Index     int      `json:"index"`
	Glyph     string   `json:"glyph"`
	Processed bool     `json:"processed"`
	Matched   bool     `json:"matched"`
	Gem       string   `json:"gem,omitempty"`
	Strategy  Strategy `json:"-"`
	How       string   `json:"strategy"`
}

// Explain resolves every icon placeholder in doc without painting. Icons
// only reachable through the link sweep are reported with StrategySibling.
func (e *Engine) Explain(doc *Document) []Explanation {
	pc := e.newPassContext(doc, e.Bindings())
	icons := e.iconCandidates(doc)
	out := make([]Explanation, len(icons))
	index := make(map[*html.Node]int, len(icons))
	for i, icon := range icons {
		out[i] = Explanation{
			Index:     i,
			Glyph:     normalizedText(icon),
			Processed: e.track.isProcessed(icon),
			How:       StrategyNone.String(),
		}
		index[icon] = i
		if c, how, ok := e.resolveIcon(pc, icon); ok {
			out[i].Matched, out[i].Gem, out[i].Strategy, out[i].How = true, c.Name, how, how.String()
		}
	}
	for _, link := range e.linkCandidates(doc) {
		c, icon, ok := e.resolveLink(pc, link)
		if !ok {
			continue
		}
		if i, found := index[icon]; found && !out[i].Matched {
			out[i].Matched, out[i].Gem, out[i].Strategy, out[i].How = true, c.Name, StrategySibling, StrategySibling.String()
		}
	}
	return out
}
