package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"gemicons/internal/browser"
	"gemicons/internal/config"
)

// jsBaker renders pages in a shared headless browser, one tab per fetch.
type jsBaker struct {
	allocator context.Context
	cancel    context.CancelFunc
	browser   config.BrowserConfig
	ua        string
	timeout   time.Duration
	logger    *zap.Logger
}

func newJSBaker(bcfg config.BrowserConfig, pcfg config.ProxyConfig, logger *zap.Logger) *jsBaker {
	bcfg.Headless = true
	allocCtx, cancel := browser.NewAllocator(context.Background(), bcfg)
	timeout := pcfg.FetchTimeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	return &jsBaker{
		allocator: allocCtx,
		cancel:    cancel,
		browser:   bcfg,
		ua:        strings.TrimSpace(pcfg.UserAgent),
		timeout:   timeout,
		logger:    logger,
	}
}

func (b *jsBaker) Close() {
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *jsBaker) Fetch(ctx context.Context, target string, hdr http.Header) (*Upstream, error) {
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("js fetch: empty target url")
	}
	taskCtx, cancelTab := chromedp.NewContext(b.allocator)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var (
		mu            sync.Mutex
		mainRequestID network.RequestID
		status        int64
	)
	chromedp.ListenTarget(taskCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			if e.Type == network.ResourceTypeDocument {
				mu.Lock()
				if mainRequestID == "" {
					mainRequestID = e.RequestID
				}
				mu.Unlock()
			}
		case *network.EventResponseReceived:
			mu.Lock()
			if e.RequestID == mainRequestID && e.Response != nil {
				status = e.Response.Status
			}
			mu.Unlock()
		}
	})

	// Start the tab before applying the deadline so browser startup is not
	// charged to the page.
	if err := chromedp.Run(taskCtx); err != nil {
		return nil, fmt.Errorf("js fetch: %w", err)
	}
	runCtx, cancel := context.WithTimeout(taskCtx, b.timeout)
	defer cancel()

	actions := []chromedp.Action{network.Enable()}
	ua := b.ua
	if v := hdr.Get("User-Agent"); v != "" {
		ua = v
	}
	if ua != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetUserAgentOverride(ua).Do(ctx)
		}))
	}
	if extra := extraHeaders(hdr); len(extra) > 0 {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetExtraHTTPHeaders(extra).Do(ctx)
		}))
	}
	var finalURL, htmlContent string
	actions = append(actions,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if sel := strings.TrimSpace(b.browser.WaitSelector); sel != "" && sel != "body" {
		actions = append(actions, chromedp.WaitVisible(sel, chromedp.ByQuery))
	}
	if b.browser.Settle > 0 {
		actions = append(actions, chromedp.Sleep(b.browser.Settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &htmlContent, chromedp.ByQuery),
	)
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if finalURL == "" {
		finalURL = target
	}
	mu.Lock()
	st := int(status)
	mu.Unlock()
	b.logger.Debug("Baked page", zap.String("url", finalURL), zap.Int("status", st), zap.Int("bytes", len(htmlContent)))
	return &Upstream{URL: finalURL, Status: st, Body: []byte(htmlContent)}, nil
}

func extraHeaders(hdr http.Header) network.Headers {
	extra := network.Headers{}
	for k, vs := range hdr {
		name := http.CanonicalHeaderKey(k)
		if name == "User-Agent" || name == "Content-Length" || len(vs) == 0 {
			continue
		}
		extra[name] = strings.Join(vs, ", ")
	}
	return extra
}
