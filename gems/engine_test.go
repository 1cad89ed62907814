package gems

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/andybalholm/cascadia"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"
)

type mirrorCall struct {
	op, key, val string
}

type recordingMirror struct {
	calls []mirrorCall
	fail  error
}

func (m *recordingMirror) SetAttr(_ *html.Node, key, val string) error {
	m.calls = append(m.calls, mirrorCall{"set", key, val})
	return m.fail
}

func (m *recordingMirror) RemoveAttr(_ *html.Node, key string) error {
	m.calls = append(m.calls, mirrorCall{"remove", key, ""})
	return m.fail
}

func (m *recordingMirror) RemoveNode(n *html.Node) error {
	m.calls = append(m.calls, mirrorCall{"node", n.Data, ""})
	return m.fail
}

func newTestEngine(t *testing.T, bindings ...Binding) *Engine {
	t.Helper()
	e, err := New(Config{}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	e.SetBindings(bindings)
	return e
}

func parseDoc(t *testing.T, src string, m Mirror) *Document {
	t.Helper()
	root, err := html.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return NewDocument(root, m)
}

func query(t *testing.T, doc *Document, sel string) *html.Node {
	t.Helper()
	n := cascadia.Query(doc.Root(), cascadia.MustCompile(sel))
	require.NotNil(t, n, "no match for %q", sel)
	return n
}

func attr(n *html.Node, key string) string {
	v, _ := getAttr(n, key)
	return v
}

func TestNewRejectsBadSelector(t *testing.T) {
	_, err := New(Config{Selectors: Selectors{Icon: "div["}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "icon selector")
}

func TestNewDefaults(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)
	cfg := e.Config()
	assert.Equal(t, DefaultMaxDepth, cfg.MaxDepth)
	assert.Equal(t, DefaultFanOut, cfg.FanOut)
	assert.Equal(t, DefaultMinSize, cfg.MinSize)
	assert.Equal(t, DefaultMarkerAttr, cfg.MarkerAttr)
	assert.Equal(t, DefaultSelectors(), cfg.Selectors)
}

func TestResolveEnclosingLink(t *testing.T) {
	e := newTestEngine(t, Binding{Name: "Weekly Report", Image: "img1"})
	doc := parseDoc(t, `<a href="/gem/42"><span class="bot-logo-text">W</span>  Weekly Report — updated</a>`, nil)

	b, how, ok := e.Resolve(doc, query(t, doc, ".bot-logo-text"))
	require.True(t, ok)
	assert.Equal(t, "img1", b.Image)
	assert.Equal(t, StrategyLink, how)
}

func TestResolveLinkIgnoresGate(t *testing.T) {
	e := newTestEngine(t, Binding{Name: "Weekly Report", Image: "img1"})
	doc := parseDoc(t, `<a href="/gem/42"><span class="bot-logo-text">Z</span>Weekly Report</a>`, nil)

	_, how, ok := e.Resolve(doc, query(t, doc, ".bot-logo-text"))
	require.True(t, ok)
	assert.Equal(t, StrategyLink, how)
}

func TestResolveGateRejectsUnrelated(t *testing.T) {
	e := newTestEngine(t,
		Binding{Name: "Apple Notes", Image: "a.png"},
		Binding{Name: "Banana Tasks", Image: "b.png"},
	)
	doc := parseDoc(t, `<div>Apple Notes workspace<div class="row"><span class="bot-logo-text">B</span></div></div>`, nil)

	_, how, ok := e.Resolve(doc, query(t, doc, ".bot-logo-text"))
	assert.False(t, ok)
	assert.Equal(t, StrategyNone, how)
}

func TestResolveGateIsCaseSensitive(t *testing.T) {
	e := newTestEngine(t, Binding{Name: "apple notes", Image: "a.png"})
	doc := parseDoc(t, `<div>apple notes workspace<div class="row"><span class="bot-logo-text">A</span></div></div>`, nil)

	_, how, ok := e.Resolve(doc, query(t, doc, ".bot-logo-text"))
	assert.False(t, ok)
	assert.Equal(t, StrategyNone, how)
}

func TestResolveAncestorText(t *testing.T) {
	e := newTestEngine(t,
		Binding{Name: "Apple Notes", Image: "a.png"},
		Binding{Name: "Banana Tasks", Image: "b.png"},
	)
	doc := parseDoc(t, `<ul>
		<li><div><span class="bot-logo-text">A</span></div><span>Apple Notes</span></li>
		<li><div><span class="bot-logo-text">B</span></div><span>Banana Tasks</span></li>
	</ul>`, nil)

	icons := e.iconCandidates(doc)
	require.Len(t, icons, 2)

	b, how, ok := e.Resolve(doc, icons[0])
	require.True(t, ok)
	assert.Equal(t, "a.png", b.Image)
	assert.Equal(t, StrategyAncestor, how)

	b, how, ok = e.Resolve(doc, icons[1])
	require.True(t, ok)
	assert.Equal(t, "b.png", b.Image)
	assert.Equal(t, StrategyAncestor, how)
}

func TestResolveDepthBound(t *testing.T) {
	e := newTestEngine(t, Binding{Name: "Apple Notes", Image: "a.png"})
	inner := `<span class="bot-logo-text">A</span>`
	for i := 0; i < DefaultMaxDepth; i++ {
		inner = "<div>" + inner + "</div>"
	}
	doc := parseDoc(t, `<section>Apple Notes`+inner+`</section>`, nil)

	_, _, ok := e.Resolve(doc, query(t, doc, ".bot-logo-text"))
	assert.False(t, ok, "text beyond the depth bound must not be scanned")
}

func TestResolveFanOutCutoff(t *testing.T) {
	const list = `<div id="list">Apple Notes
		<div><span class="bot-logo-text">A</span></div>
		<div><span class="bot-logo-text">X</span></div>
		<div><span class="bot-logo-text">Y</span></div>
	</div>`
	e := newTestEngine(t, Binding{Name: "Apple Notes", Image: "a.png"})

	t.Run("no heading", func(t *testing.T) {
		doc := parseDoc(t, list, nil)
		_, how, ok := e.Resolve(doc, query(t, doc, ".bot-logo-text"))
		assert.False(t, ok)
		assert.Equal(t, StrategyNone, how)
	})

	t.Run("falls through to heading", func(t *testing.T) {
		doc := parseDoc(t, `<h1>Apple Notes chat</h1>`+list, nil)
		b, how, ok := e.Resolve(doc, query(t, doc, ".bot-logo-text"))
		require.True(t, ok)
		assert.Equal(t, "a.png", b.Image)
		assert.Equal(t, StrategyHeading, how)
	})
}

func TestResolveHeadingSkipsNavigation(t *testing.T) {
	e := newTestEngine(t, Binding{Name: "Apple Notes", Image: "a.png"})
	doc := parseDoc(t, `<h1>Apple Notes</h1><nav>
		<div><span class="bot-logo-text">A</span></div>
		<div><span class="bot-logo-text">B</span></div>
		<div><span class="bot-logo-text">C</span></div>
	</nav>`, nil)

	_, _, ok := e.Resolve(doc, query(t, doc, ".bot-logo-text"))
	assert.False(t, ok)
}

func TestResolveHeadingGated(t *testing.T) {
	e := newTestEngine(t, Binding{Name: "Apple Notes", Image: "a.png"})
	doc := parseDoc(t, `<h1>Apple Notes</h1><main><span class="bot-logo-text">Q</span></main>`, nil)

	_, _, ok := e.Resolve(doc, query(t, doc, ".bot-logo-text"))
	assert.False(t, ok)
}

func TestResolveFirstRegisteredWins(t *testing.T) {
	e := newTestEngine(t,
		Binding{Name: "Report", Image: "first"},
		Binding{Name: "Weekly Report", Image: "second"},
	)
	doc := parseDoc(t, `<a href="/gem/1"><span class="bot-logo-text">W</span>Weekly Report</a>`, nil)

	b, _, ok := e.Resolve(doc, query(t, doc, ".bot-logo-text"))
	require.True(t, ok)
	assert.Equal(t, "first", b.Image)
}

func TestResolveLinkSibling(t *testing.T) {
	e := newTestEngine(t, Binding{Name: "Daily Notes", Image: "d.png"})
	doc := parseDoc(t, `<li><a href="/gem/9">Daily Notes</a><span class="bot-logo-text">Z</span></li>`, nil)

	b, icon, ok := e.ResolveLink(doc, query(t, doc, "a"))
	require.True(t, ok)
	assert.Equal(t, "d.png", b.Image)
	assert.Same(t, query(t, doc, ".bot-logo-text"), icon)
}

func TestRunPassPaints(t *testing.T) {
	e := newTestEngine(t, Binding{Name: "Weekly Report", Image: "img1"})
	doc := parseDoc(t, `<a href="/gem/42"><span class="bot-logo-text" style="width: 10px; color: red">W</span>Weekly Report</a>`, nil)

	rep := e.RunPass(doc)
	require.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.Icons)
	assert.Equal(t, 1, rep.Links)
	assert.Equal(t, 1, rep.Painted)

	icon := query(t, doc, ".bot-logo-text")
	style := attr(icon, "style")
	assert.True(t, strings.HasPrefix(style, "width: 10px; color: transparent !important;"), style)
	assert.Contains(t, style, `background-image: url("img1") !important;`)
	assert.NotContains(t, style, "red")
	assert.Equal(t, markerValue, attr(icon, DefaultMarkerAttr))
	assert.Equal(t, "W", normalizedText(icon), "text content is never altered")
}

func TestRunPassIdempotent(t *testing.T) {
	m := &recordingMirror{}
	e := newTestEngine(t,
		Binding{Name: "Weekly Report", Image: "img1"},
		Binding{Name: "Daily Notes", Image: "img2"},
	)
	doc := parseDoc(t, `
		<a href="/gem/1"><span class="bot-logo-text">W</span>Weekly Report</a>
		<li><a href="/gem/2">Daily Notes</a><span class="bot-logo-text">Q</span></li>
		<div><span class="bot-logo-text">?</span>unrelated</div>`, m)

	first := e.RunPass(doc)
	require.NoError(t, first.Err)
	assert.Equal(t, 2, first.Painted)
	changes, calls := doc.Changes(), len(m.calls)
	var before strings.Builder
	require.NoError(t, doc.Render(&before))

	second := e.RunPass(doc)
	require.NoError(t, second.Err)
	assert.Zero(t, second.Painted)
	assert.Equal(t, 2, second.AlreadyProcessed)
	assert.Equal(t, changes, doc.Changes())
	assert.Len(t, m.calls, calls, "no mirror traffic on a converged page")

	var after strings.Builder
	require.NoError(t, doc.Render(&after))
	assert.Equal(t, before.String(), after.String())
}

func TestRunPassStaleArtifact(t *testing.T) {
	e := newTestEngine(t, Binding{Name: "Weekly Report", Image: "img1"})
	doc := parseDoc(t, `<a href="/gem/1"><span class="bot-logo-text" data-gem-processed="true" style="visibility: hidden">W<img src="chrome-extension://abc/icon.png"></span>Weekly Report</a>`, nil)

	icon := query(t, doc, ".bot-logo-text")
	assert.False(t, e.track.isProcessed(icon))

	rep := e.RunPass(doc)
	require.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.Painted)
	assert.Nil(t, cascadia.Query(icon, cascadia.MustCompile("img")))
	assert.NotContains(t, attr(icon, "style"), "visibility")
	assert.True(t, e.track.isProcessed(icon))
}

func TestRunPassConfigChangeInvalidates(t *testing.T) {
	e := newTestEngine(t, Binding{Name: "Weekly Report", Image: "imgA"})
	doc := parseDoc(t, `
		<a href="/gem/1"><span class="bot-logo-text">W</span>Weekly Report</a>
		<a href="/gem/1"><span class="bot-logo-text">W</span>Weekly Report (copy)</a>`, nil)

	rep := e.RunPass(doc)
	require.Equal(t, 2, rep.Painted)

	e.SetBindings([]Binding{{Name: "Weekly Report", Image: "imgB"}})
	rep = e.RunPass(doc)
	require.NoError(t, rep.Err)
	assert.Equal(t, 2, rep.Invalidated)
	assert.Equal(t, 2, rep.Painted)
	for _, icon := range e.iconCandidates(doc) {
		assert.Contains(t, attr(icon, "style"), `url("imgB")`)
		assert.NotContains(t, attr(icon, "style"), "imgA")
	}

	rep = e.RunPass(doc)
	assert.Zero(t, rep.Invalidated)
	assert.Zero(t, rep.Painted)
}

func TestRunPassEmptyImageInert(t *testing.T) {
	e := newTestEngine(t, Binding{Name: "Weekly Report", Image: ""})
	doc := parseDoc(t, `<a href="/gem/1"><span class="bot-logo-text">W</span>Weekly Report</a>`, nil)

	rep := e.RunPass(doc)
	assert.Zero(t, rep.Painted)
	assert.Equal(t, 1, rep.Unmatched)
	assert.Zero(t, doc.Changes())
	icon := query(t, doc, ".bot-logo-text")
	_, marked := getAttr(icon, DefaultMarkerAttr)
	assert.False(t, marked)
}

func TestRunPassUnusableImage(t *testing.T) {
	e, err := New(Config{}, WithImageResolver(func(ref string) (string, error) {
		if ref == "bad" {
			return "", errors.New("unusable")
		}
		return ref, nil
	}))
	require.NoError(t, err)
	e.SetBindings([]Binding{
		{Name: "Weekly Report", Image: "bad"},
		{Name: "Daily Notes", Image: "good"},
	})
	doc := parseDoc(t, `
		<a href="/gem/1"><span class="bot-logo-text">W</span>Weekly Report</a>
		<a href="/gem/2"><span class="bot-logo-text">D</span>Daily Notes</a>`, nil)

	rep := e.RunPass(doc)
	require.NoError(t, rep.Err)
	assert.Equal(t, 2, rep.Painted)

	icons := e.iconCandidates(doc)
	assert.NotContains(t, attr(icons[0], "style"), "background-image")
	assert.Equal(t, markerValue, attr(icons[0], DefaultMarkerAttr))
	assert.Contains(t, attr(icons[1], "style"), `url("good")`)
}

func TestRunPassPendingImage(t *testing.T) {
	ready := false
	e, err := New(Config{}, WithImageResolver(func(ref string) (string, error) {
		if !ready {
			return "", fmt.Errorf("fetching %s: %w", ref, ErrImagePending)
		}
		return ref, nil
	}))
	require.NoError(t, err)
	e.SetBindings([]Binding{{Name: "Weekly Report", Image: "remote"}})
	doc := parseDoc(t, `<a href="/gem/1"><span class="bot-logo-text">W</span>Weekly Report</a>`, nil)

	rep := e.RunPass(doc)
	require.NoError(t, rep.Err)
	assert.Zero(t, rep.Painted)
	assert.Equal(t, 1, rep.Pending)
	assert.Zero(t, doc.Changes())
	icon := query(t, doc, ".bot-logo-text")
	_, marked := getAttr(icon, DefaultMarkerAttr)
	assert.False(t, marked)

	ready = true
	rep = e.RunPass(doc)
	assert.Equal(t, 1, rep.Painted)
	assert.Zero(t, rep.Pending)
	assert.Contains(t, attr(icon, "style"), `url("remote")`)
}

func TestRunPassMirrorFailureIsLocal(t *testing.T) {
	m := &recordingMirror{fail: errors.New("detached")}
	e := newTestEngine(t,
		Binding{Name: "Weekly Report", Image: "img1"},
		Binding{Name: "Daily Notes", Image: "img2"},
	)
	doc := parseDoc(t, `
		<a href="/gem/1"><span class="bot-logo-text">W</span>Weekly Report</a>
		<a href="/gem/2"><span class="bot-logo-text">D</span>Daily Notes</a>`, m)

	rep := e.RunPass(doc)
	require.Error(t, rep.Err)
	assert.Zero(t, rep.Painted)
	assert.Equal(t, 2, rep.Icons, "every candidate was attempted")
	for _, icon := range e.iconCandidates(doc) {
		_, marked := getAttr(icon, DefaultMarkerAttr)
		assert.False(t, marked, "failed paints are retried next pass")
	}
}

func TestRunPassNonReentrant(t *testing.T) {
	e := newTestEngine(t, Binding{Name: "Weekly Report", Image: "img1"})
	doc := parseDoc(t, `<a href="/gem/1"><span class="bot-logo-text">W</span>Weekly Report</a>`, nil)

	e.running.Store(true)
	rep := e.RunPass(doc)
	assert.True(t, rep.Skipped)
	assert.True(t, e.RerunRequested())
	assert.Zero(t, doc.Changes())

	e.running.Store(false)
	rep = e.RunPass(doc)
	assert.False(t, rep.Skipped)
	assert.Equal(t, 1, rep.Painted)
	assert.False(t, e.RerunRequested())
}

func TestRunPassServesLateTrigger(t *testing.T) {
	e := newTestEngine(t, Binding{Name: "Weekly Report", Image: "img1"})
	doc := parseDoc(t, `<a href="/gem/1"><span class="bot-logo-text">W</span>Weekly Report</a>`, nil)

	var late PassReport
	releases := 0
	e.released = func() {
		releases++
		if releases == 1 {
			// Another caller arrives after the last rerun check but before
			// the running flag drops.
			late = e.RunPass(doc)
		}
	}

	rep := e.RunPass(doc)
	assert.True(t, late.Skipped)
	assert.Equal(t, 2, releases, "the late trigger must get its own pass")
	assert.Equal(t, 1, rep.Painted)
	assert.Equal(t, 1, rep.AlreadyProcessed)
	assert.False(t, e.RerunRequested())
	assert.False(t, e.running.Load())
}

func TestCustomMarkerAndSelectors(t *testing.T) {
	e, err := New(Config{
		MarkerAttr: "data-x",
		Selectors:  Selectors{Icon: "i.glyph", Link: "a.entity"},
	})
	require.NoError(t, err)
	e.SetBindings([]Binding{{Name: "Weekly Report", Image: "img1"}})
	doc := parseDoc(t, `<a class="entity" href="#"><i class="glyph">W</i>Weekly Report</a>`, nil)

	rep := e.RunPass(doc)
	assert.Equal(t, 1, rep.Painted)
	assert.Equal(t, markerValue, attr(query(t, doc, "i.glyph"), "data-x"))
}
