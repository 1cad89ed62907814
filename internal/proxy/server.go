// Package proxy serves upstream pages with gem icons already painted.
package proxy

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"gemicons/gems"
	"gemicons/internal/config"
)

const defaultIndexHTML = `<!DOCTYPE html>
<html><body>
<h1>Gem icons</h1>
<form action="/fetch" method="get">
URL: <input name="url" size="60"><br>
<label><input type="checkbox" name="js" value="1"> Render scripts</label><br>
<button type="submit">Fetch</button>
</form>
<p><a href="/gems">Configured gems</a></p>
</body></html>`

// Fetcher retrieves an upstream document.
type Fetcher interface {
	Fetch(ctx context.Context, target string, hdr http.Header) (*Upstream, error)
}

// Upstream is a fetched page before rewriting.
type Upstream struct {
	URL    string
	Status int
	Body   []byte
}

// Config describes server wiring and runtime behaviour.
type Config struct {
	Proxy     config.ProxyConfig
	Browser   config.BrowserConfig
	IndexHTML string
	Logger    *zap.Logger
	Clock     func() time.Time
	// HTTP fetches plain pages. Defaults to an http.Client honouring FetchTimeout.
	HTTP Fetcher
	// JS fetches script-rendered pages. When nil and Proxy.JS is set a
	// chromedp baker is created.
	JS Fetcher
}

// Server exposes the HTTP handlers implementing the rewriting service.
type Server struct {
	cfg    Config
	engine *gems.Engine
	router chi.Router
	logger *zap.Logger
	cache  *pageCache
	plain  Fetcher
	js     Fetcher
	baker  *jsBaker
	sites  *siteConfigStore
	clock  func() time.Time

	// Passes over different documents must not interleave on one engine.
	passMu sync.Mutex
}

// New wires a new server around engine.
func New(cfg Config, engine *gems.Engine) *Server {
	if cfg.IndexHTML == "" {
		cfg.IndexHTML = defaultIndexHTML
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	s := &Server{
		cfg:    cfg,
		engine: engine,
		logger: cfg.Logger.Named("proxy"),
		cache:  newPageCache(cfg.Clock, cfg.Proxy.CacheTTL, cfg.Proxy.CacheEntries),
		plain:  cfg.HTTP,
		js:     cfg.JS,
		sites:  newSiteConfigStore(cfg.Proxy.SitesDir),
		clock:  cfg.Clock,
	}
	if s.plain == nil {
		s.plain = newHTTPFetcher(cfg.Proxy)
	}
	if s.js == nil && cfg.Proxy.JS {
		s.baker = newJSBaker(cfg.Browser, cfg.Proxy, s.logger)
		s.js = s.baker
	}
	s.router = s.routes()
	return s
}

// Handler exposes the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler { return s }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases the browser used for script rendering, if any.
func (s *Server) Close() {
	if s.baker != nil {
		s.baker.Close()
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withLogging(s.logger))
	r.Get("/", s.handleRoot)
	r.Get("/ping", s.handlePing)
	r.Get("/fetch", s.handleFetch)
	r.Get("/gems", s.handleGems)
	return r
}
