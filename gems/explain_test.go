package gems

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExplain(t *testing.T) {
	e := newTestEngine(t,
		Binding{Name: "Weekly Report", Image: "img1"},
		Binding{Name: "Coder", Image: "img2"},
	)
	doc := parseDoc(t, `
<a href="/gem/1"><span class="bot-logo-text">W</span>Weekly Report</a>
<div><span class="bot-logo-text">C</span><span>Coder</span></div>
<div><span class="bot-logo-text">Z</span><span>Nothing here</span></div>`, nil)

	before := doc.Changes()
	got := e.Explain(doc)
	require.Len(t, got, 3)
	assert.Equal(t, before, doc.Changes(), "explain never mutates")

	assert.Equal(t, "Weekly Report", got[0].Gem)
	assert.Equal(t, StrategyLink, got[0].Strategy)
	assert.Equal(t, "link", got[0].How)

	assert.Equal(t, "Coder", got[1].Gem)
	assert.Equal(t, StrategyAncestor, got[1].Strategy)
	assert.Equal(t, "C", got[1].Glyph)

	assert.False(t, got[2].Matched)
	assert.Equal(t, "none", got[2].How)
	assert.False(t, got[2].Processed)
}
