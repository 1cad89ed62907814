// Package gems finds references to configured gems in a continuously mutating
// page and paints each gem's image over the icon placeholder next to it.
//
// The Engine holds the current binding snapshot; the page itself is the only
// other mutable state. Each pass re-queries the tree, resolves icon and link
// candidates against the bindings and paints what is not yet marked.
package gems

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// ErrEngineStopped is returned by loop operations after Stop.
var ErrEngineStopped = errors.New("gems: engine stopped")

// ErrImagePending is returned, possibly wrapped, by an ImageResolver whose
// image is still being fetched. The icon is left unpainted and unmarked for
// a later pass.
var ErrImagePending = errors.New("gems: image not ready")

// errDeferred reports an icon whose paint was postponed.
var errDeferred = errors.New("gems: paint deferred")

const (
	DefaultMaxDepth = 7
	DefaultFanOut   = 2
	DefaultMinSize  = 28
)

// Config tunes matching. Zero values take defaults.
type Config struct {
	Selectors  Selectors `yaml:"selectors"`
	MarkerAttr string    `yaml:"marker_attr"`
	// MaxDepth bounds how many ancestors the row-text strategy inspects.
	MaxDepth int `yaml:"max_depth"`
	// FanOut is the most icon placeholders an ancestor may hold and still
	// count as the candidate's own row.
	FanOut  int `yaml:"fan_out"`
	MinSize int `yaml:"min_size"`
}

func (c *Config) defaults() {
	if strings.TrimSpace(c.MarkerAttr) == "" {
		c.MarkerAttr = DefaultMarkerAttr
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.FanOut <= 0 {
		c.FanOut = DefaultFanOut
	}
	if c.MinSize <= 0 {
		c.MinSize = DefaultMinSize
	}
	c.Selectors = c.Selectors.withDefaults()
}

// ImageResolver turns a binding's opaque image reference into something
// paintable. It must not block on the network. ErrImagePending postpones the
// paint; any other error makes the paint inert for that binding only.
type ImageResolver func(ref string) (string, error)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithImageResolver installs the image reference resolver.
func WithImageResolver(r ImageResolver) Option {
	return func(e *Engine) {
		if r != nil {
			e.images = r
		}
	}
}

// Engine is the matching-and-reconciliation engine.
type Engine struct {
	cfg    Config
	sel    *compiledSelectors
	track  *tracker
	paint  *applicator
	images ImageResolver
	log    *zap.Logger

	mu         sync.RWMutex
	bindings   []Binding
	revision   uint64
	invalidate bool

	running atomic.Bool
	rerun   atomic.Bool

	// released runs just before the running flag drops. Tests use it to
	// land a trigger in that window.
	released func()
}

// New builds an Engine from cfg.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.defaults()
	sel, err := cfg.Selectors.compile()
	if err != nil {
		return nil, fmt.Errorf("gems: %w", err)
	}
	e := &Engine{
		cfg:    cfg,
		sel:    sel,
		images: func(ref string) (string, error) { return ref, nil },
		log:    zap.NewNop(),
	}
	e.track = newTracker(cfg.MarkerAttr, sel.artifact)
	e.paint = &applicator{artifact: sel.artifact, minSize: cfg.MinSize, tracker: e.track}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// SetBindings replaces the binding snapshot and schedules a marker
// invalidation before the next pass.
func (e *Engine) SetBindings(bindings []Binding) {
	clean := CleanBindings(bindings)
	e.mu.Lock()
	e.bindings = clean
	e.revision++
	e.invalidate = true
	e.mu.Unlock()
	e.log.Debug("Bindings replaced", zap.Int("count", len(clean)))
}

// Bindings returns a copy of the current snapshot.
func (e *Engine) Bindings() []Binding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Binding(nil), e.bindings...)
}

// Revision increases every time the snapshot is replaced.
func (e *Engine) Revision() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.revision
}

// takeSnapshot returns the bindings for a pass and whether markers must be
// dropped first.
func (e *Engine) takeSnapshot() ([]Binding, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inv := e.invalidate
	e.invalidate = false
	return e.bindings, inv
}

// PassReport summarises one pass.
type PassReport struct {
	Icons            int
	Links            int
	Painted          int
	AlreadyProcessed int
	Unmatched        int
	Invalidated      int
	// Pending counts icons left for a later pass because their image was
	// not ready.
	Pending int
	// Skipped is set when another pass was already running; a re-run has
	// been requested instead.
	Skipped bool
	// Err collects the non-fatal failures of the pass.
	Err error
}

// RunPass performs one full locate, resolve and apply pass over doc. Passes
// never overlap: a call made while one is running returns immediately with
// Skipped set and the running pass is asked to go again.
func (e *Engine) RunPass(doc *Document) PassReport {
	if !e.running.CompareAndSwap(false, true) {
		e.rerun.Store(true)
		return PassReport{Skipped: true}
	}

	var total PassReport
	for {
		for {
			e.rerun.Store(false)
			rep := e.pass(doc)
			total.Icons = rep.Icons
			total.Links = rep.Links
			total.Painted += rep.Painted
			total.AlreadyProcessed = rep.AlreadyProcessed
			total.Unmatched = rep.Unmatched
			total.Invalidated += rep.Invalidated
			total.Pending = rep.Pending
			total.Err = multierr.Append(total.Err, rep.Err)
			if !e.rerun.Load() {
				break
			}
		}
		if e.released != nil {
			e.released()
		}
		e.running.Store(false)
		// A caller that lost the race after the last check has set rerun
		// and gone away; serve it unless someone else already took over.
		if !e.rerun.Load() || !e.running.CompareAndSwap(false, true) {
			return total
		}
	}
}

// RerunRequested reports whether a trigger arrived while a pass was running
// and has not been served yet.
func (e *Engine) RerunRequested() bool { return e.rerun.Load() }

func (e *Engine) pass(doc *Document) (rep PassReport) {
	bindings, invalidate := e.takeSnapshot()

	if invalidate {
		n, err := e.track.invalidateAll(doc)
		rep.Invalidated = n
		rep.Err = multierr.Append(rep.Err, err)
	}

	pc := e.newPassContext(doc, bindings)
	srcs := make(map[string]imageSrc, len(pc.cands))

	icons := e.iconCandidates(doc)
	rep.Icons = len(icons)
	for _, icon := range icons {
		if e.track.isProcessed(icon) {
			rep.AlreadyProcessed++
			continue
		}
		c, how, ok := e.resolveIcon(pc, icon)
		if !ok {
			rep.Unmatched++
			continue
		}
		if err := e.applyBinding(doc, icon, c.Binding, srcs); err != nil {
			if errors.Is(err, errDeferred) {
				rep.Pending++
			} else {
				rep.Err = multierr.Append(rep.Err, err)
			}
			continue
		}
		rep.Painted++
		e.log.Debug("Icon painted", zap.String("gem", c.Name), zap.Stringer("strategy", how))
	}

	// Runs after the icon sweep so it sees the markers that sweep just set.
	links := e.linkCandidates(doc)
	rep.Links = len(links)
	for _, link := range links {
		c, icon, ok := e.resolveLink(pc, link)
		if !ok || e.track.isProcessed(icon) {
			continue
		}
		if err := e.applyBinding(doc, icon, c.Binding, srcs); err != nil {
			if errors.Is(err, errDeferred) {
				rep.Pending++
			} else {
				rep.Err = multierr.Append(rep.Err, err)
			}
			continue
		}
		rep.Painted++
		e.log.Debug("Icon painted", zap.String("gem", c.Name), zap.Stringer("strategy", StrategySibling))
	}

	if rep.Err != nil {
		e.log.Warn("Pass finished with errors", zap.Error(rep.Err))
	}
	e.log.Debug("Pass finished",
		zap.Int("icons", rep.Icons),
		zap.Int("links", rep.Links),
		zap.Int("painted", rep.Painted),
		zap.Int("processed", rep.AlreadyProcessed),
		zap.Int("unmatched", rep.Unmatched),
		zap.Int("pending", rep.Pending),
		zap.Int("invalidated", rep.Invalidated))
	return rep
}

type imageSrc struct {
	src     string
	pending bool
}

// applyBinding resolves the image once per pass and paints it.
func (e *Engine) applyBinding(doc *Document, el *html.Node, b Binding, srcs map[string]imageSrc) error {
	img, seen := srcs[b.Image]
	if !seen {
		src, err := e.images(b.Image)
		switch {
		case errors.Is(err, ErrImagePending):
			e.log.Debug("Image not ready, deferring", zap.String("gem", b.Name))
			img = imageSrc{pending: true}
		case err != nil:
			e.log.Warn("Image unusable, painting inert", zap.String("gem", b.Name), zap.Error(err))
		default:
			img = imageSrc{src: src}
		}
		srcs[b.Image] = img
	}
	if img.pending {
		return errDeferred
	}
	if err := e.paint.apply(doc, el, img.src); err != nil {
		return fmt.Errorf("paint %q: %w", b.Name, err)
	}
	return nil
}
