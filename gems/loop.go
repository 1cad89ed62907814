package gems

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the polling cadence of the reconciliation loop.
const DefaultInterval = time.Second

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithInterval sets the timer period. Non-positive values keep the default.
func WithInterval(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithLoopLogger sets the loop logger.
func WithLoopLogger(log *zap.Logger) LoopOption {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

// WithPassHook registers fn to be called after every pass the loop runs.
func WithPassHook(fn func(PassReport)) LoopOption {
	return func(l *Loop) { l.hook = fn }
}

// Loop drives an Engine: one initial pass at Start, then a pass whenever the
// document mutates, the bindings change or the timer fires. Triggers that
// arrive while a pass is running collapse into a single follow-up pass.
type Loop struct {
	engine   *Engine
	source   Source
	settings SettingsSource
	interval time.Duration
	log      *zap.Logger
	hook     func(PassReport)

	mu      sync.Mutex
	started bool
	stopped bool
	active  atomic.Bool
	inert   atomic.Bool
	passes  atomic.Uint64

	pending chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	cancel  context.CancelFunc
	unsub   func()
	watchWG sync.WaitGroup
}

// NewLoop wires engine to source and settings.
func NewLoop(engine *Engine, source Source, settings SettingsSource, opts ...LoopOption) *Loop {
	l := &Loop{
		engine:   engine,
		source:   source,
		settings: settings,
		interval: DefaultInterval,
		log:      zap.NewNop(),
		pending:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start reads the settings once and, unless disabled, runs the initial pass
// and begins observing. A disabled loop stays inert until it is discarded;
// the flag is not re-read.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrEngineStopped
	}
	if l.started {
		return nil
	}

	s, err := l.settings.Load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		l.log.Warn("Unable to load settings, using defaults", zap.Error(err))
		s = DefaultSettings()
	}
	l.started = true

	if !s.Enabled {
		l.inert.Store(true)
		close(l.doneCh)
		l.log.Info("Disabled by settings, staying inert")
		return nil
	}

	l.engine.SetBindings(s.Bindings)
	l.log.Debug("Loop starting", zap.Int("bindings", len(s.Bindings)), zap.Duration("interval", l.interval))

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.runPass(runCtx)

	l.active.Store(true)
	l.unsub = l.source.Subscribe(l.OnDocumentMutated)

	l.watchWG.Add(1)
	go func() {
		defer l.watchWG.Done()
		if err := l.settings.Watch(runCtx, l.OnBindingsChanged); err != nil && !errors.Is(err, context.Canceled) {
			l.log.Warn("Settings watch ended", zap.Error(err))
		}
	}()

	go l.run(runCtx)
	return nil
}

// Stop cancels the timer, detaches every observer and waits for the loop
// goroutine to exit. Safe to call more than once.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	started := l.started
	l.mu.Unlock()

	l.active.Store(false)
	if !started {
		return
	}
	if l.unsub != nil {
		l.unsub()
	}
	if l.cancel != nil {
		l.cancel()
	}
	close(l.stopCh)
	<-l.doneCh
	l.watchWG.Wait()
	l.log.Debug("Loop stopped", zap.Uint64("passes", l.passes.Load()))
}

// OnDocumentMutated is the mutation subscription entry point.
func (l *Loop) OnDocumentMutated(b Batch) {
	if !l.active.Load() {
		return
	}
	l.log.Debug("Mutation batch", zap.String("batch", b.ID), zap.Int("records", len(b.Records)))
	l.trigger()
}

// OnBindingsChanged replaces the bindings and schedules a pass that starts by
// invalidating every marker. A nil list means the stored value was removed.
func (l *Loop) OnBindingsChanged(bindings []Binding) {
	if !l.active.Load() {
		return
	}
	if bindings == nil {
		bindings = []Binding{}
	}
	l.engine.SetBindings(bindings)
	l.trigger()
}

// Kick requests a pass.
func (l *Loop) Kick() {
	if l.active.Load() {
		l.trigger()
	}
}

// Inert reports whether Start found the loop disabled.
func (l *Loop) Inert() bool { return l.inert.Load() }

// Passes returns how many passes the loop has run.
func (l *Loop) Passes() uint64 { return l.passes.Load() }

func (l *Loop) trigger() {
	select {
	case l.pending <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.runPass(ctx)
		case <-l.pending:
			l.runPass(ctx)
		}
	}
}

func (l *Loop) runPass(ctx context.Context) {
	doc, err := l.source.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.log.Warn("Unable to snapshot document", zap.Error(err))
		}
		return
	}
	rep := l.engine.RunPass(doc)
	l.passes.Add(1)
	if l.hook != nil {
		l.hook(rep)
	}
}
