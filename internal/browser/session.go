package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"gemicons/gems"
	"gemicons/internal/config"
	"gemicons/internal/observe"
)

// ErrClosed is returned by Snapshot after Close.
var ErrClosed = errors.New("browser: session closed")

// Session is a single browser tab serving as a gems.Source.
type Session struct {
	log *zap.Logger

	tab         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	deb         *observe.Debouncer

	mu     sync.Mutex
	closed bool
	next   int
	subs   map[int]func(gems.Batch)
}

// Open launches (or attaches to) a browser, navigates to cfg.URL and waits
// for the page to settle. ctx bounds only the opening; the session lives
// until Close.
func Open(ctx context.Context, cfg config.BrowserConfig, obs observe.Config, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("browser")

	allocCtx, allocCancel := NewAllocator(context.Background(), cfg)
	sugar := log.Sugar()
	tab, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Warnf),
	)

	s := &Session{
		log:         log,
		tab:         tab,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		subs:        make(map[int]func(gems.Batch)),
	}

	abort := context.AfterFunc(ctx, tabCancel)
	defer abort()

	// The first Run starts the browser and must not carry a deadline.
	if err := chromedp.Run(tab); err != nil {
		s.shutdown()
		return nil, fmt.Errorf("unable to start browser: %w", err)
	}

	s.deb = observe.New(obs, s.deliver, log)
	chromedp.ListenTarget(tab, func(ev any) {
		if rec, ok := record(ev); ok {
			s.deb.Push(rec)
		}
	})

	if err := s.navigate(cfg); err != nil {
		s.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	log.Info("Page ready", zap.String("url", cfg.URL))
	return s, nil
}

func (s *Session) navigate(cfg config.BrowserConfig) error {
	runCtx := s.tab
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(s.tab, cfg.Timeout)
		defer cancel()
	}
	var actions []chromedp.Action
	if u := strings.TrimSpace(cfg.URL); u != "" {
		actions = append(actions, chromedp.Navigate(u))
	}
	sel := strings.TrimSpace(cfg.WaitSelector)
	if sel == "" {
		sel = "body"
	}
	actions = append(actions, chromedp.WaitReady(sel, chromedp.ByQuery))
	if cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(cfg.Settle))
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("unable to load %q: %w", cfg.URL, err)
	}
	return nil
}

// Snapshot fetches the full flattened DOM of the tab. The returned Document
// mirrors its mutations back into the tab.
func (s *Session) Snapshot(ctx context.Context) (*gems.Document, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	runCtx, cancel := context.WithCancel(s.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := time.Now()
	var root *cdp.Node
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		root, err = dom.GetDocument().WithDepth(-1).WithPierce(true).Do(ctx)
		return err
	}))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("unable to read document: %w", err)
	}

	tree, table := convert(root)
	s.log.Debug("Snapshot taken", zap.Int("nodes", table.len()), zap.Duration("elapsed", time.Since(start)))
	return gems.NewDocument(tree, &cdpMirror{ctx: s.tab, table: table}), nil
}

// Subscribe registers fn for debounced mutation batches.
func (s *Session) Subscribe(fn func(gems.Batch)) func() {
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

func (s *Session) deliver(b gems.Batch) {
	s.mu.Lock()
	fns := make([]func(gems.Batch), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(b)
	}
}

// Close stops event delivery and shuts the browser down. Safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.deb != nil {
		s.deb.Stop()
	}
	s.shutdown()
}

func (s *Session) shutdown() {
	if err := chromedp.Cancel(s.tab); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("Tab close", zap.Error(err))
	}
	s.tabCancel()
	s.allocCancel()
}

// record translates a DevTools DOM event into a mutation record.
func record(ev any) (gems.Record, bool) {
	switch e := ev.(type) {
	case *dom.EventChildNodeInserted:
		rec := gems.Record{Op: gems.OpInsert, NodeID: int64(e.ParentNodeID)}
		if e.Node != nil {
			rec.NodeID = int64(e.Node.NodeID)
			rec.Tag = strings.ToLower(e.Node.LocalName)
		}
		return rec, true
	case *dom.EventChildNodeRemoved:
		return gems.Record{Op: gems.OpRemove, NodeID: int64(e.NodeID)}, true
	case *dom.EventAttributeModified:
		return gems.Record{Op: gems.OpAttr, NodeID: int64(e.NodeID), Name: e.Name, Value: e.Value}, true
	case *dom.EventAttributeRemoved:
		return gems.Record{Op: gems.OpAttrDel, NodeID: int64(e.NodeID), Name: e.Name}, true
	case *dom.EventCharacterDataModified:
		return gems.Record{Op: gems.OpText, NodeID: int64(e.NodeID), Value: e.CharacterData}, true
	case *dom.EventDocumentUpdated:
		return gems.Record{Op: gems.OpDocReset}, true
	}
	return gems.Record{}, false
}
