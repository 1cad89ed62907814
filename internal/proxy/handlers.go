package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"gemicons/gems"
	"gemicons/internal/imageref"
)

var (
	headSel = cascadia.MustCompile("head")
	baseSel = cascadia.MustCompile("base[href]")
)

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(s.cfg.IndexHTML)))
	_, _ = io.WriteString(w, s.cfg.IndexHTML)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "pong\n")
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := targetURL(q.Get("url"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	useJS := parseBool(q.Get("js"))
	site := s.sites.Find(target)
	switch {
	case site == nil:
	case site.Render == "js" && s.js != nil:
		useJS = true
	case site.Render == "plain":
		useJS = false
	}
	fetcher := s.plain
	if useJS {
		if s.js == nil {
			http.Error(w, "script rendering is disabled", http.StatusBadRequest)
			return
		}
		fetcher = s.js
	}

	key := cacheKey(target, useJS, s.engine.Revision())
	if data, painted, ok := s.cache.Select(key); ok {
		writeHTML(w, data, painted, true)
		return
	}

	up, err := fetcher.Fetch(r.Context(), target, site.header())
	if err != nil {
		s.logger.Warn("Upstream fetch failed", zap.String("url", target), zap.Bool("js", useJS), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	data, rep, err := s.rewrite(up)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	// Pages with icons still waiting on an image are not cached so the next
	// request paints them.
	if (up.Status == 0 || up.Status < http.StatusBadRequest) && rep.Pending == 0 {
		s.cache.Store(key, data, rep.Painted)
	}
	writeHTML(w, data, rep.Painted, false)
}

type gemInfo struct {
	Name string        `json:"name"`
	Kind imageref.Kind `json:"kind"`
}

type gemsResult struct {
	Revision uint64    `json:"revision"`
	Gems     []gemInfo `json:"gems"`
}

func (s *Server) handleGems(w http.ResponseWriter, _ *http.Request) {
	bindings := s.engine.Bindings()
	res := gemsResult{Revision: s.engine.Revision(), Gems: make([]gemInfo, 0, len(bindings))}
	for _, b := range bindings {
		res.Gems = append(res.Gems, gemInfo{Name: b.Name, Kind: imageref.Classify(b.Image)})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
}

// rewrite runs one pass over the upstream page and renders the result.
func (s *Server) rewrite(up *Upstream) ([]byte, gems.PassReport, error) {
	doc, err := gems.ParseDocument(bytes.NewReader(up.Body))
	if err != nil {
		return nil, gems.PassReport{}, fmt.Errorf("unable to parse %s: %w", up.URL, err)
	}
	setBase(doc.Root(), up.URL)

	s.passMu.Lock()
	rep := s.engine.RunPass(doc)
	s.passMu.Unlock()
	if rep.Err != nil {
		s.logger.Warn("Pass finished with errors", zap.String("url", up.URL), zap.Error(rep.Err))
	}

	var buf bytes.Buffer
	if err := doc.Render(&buf); err != nil {
		return nil, rep, fmt.Errorf("unable to render %s: %w", up.URL, err)
	}
	return buf.Bytes(), rep, nil
}

func writeHTML(w http.ResponseWriter, data []byte, painted int, hit bool) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Gemicons-Painted", strconv.Itoa(painted))
	if hit {
		w.Header().Set("X-Gemicons-Cache", "hit")
	} else {
		w.Header().Set("X-Gemicons-Cache", "miss")
	}
	_, _ = w.Write(data)
}

func targetURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("bad url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("unsupported url %q", raw)
	}
	u.Fragment = ""
	return u.String(), nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

// setBase makes relative references in the served page resolve against the
// upstream location.
func setBase(root *html.Node, base string) {
	if base == "" || cascadia.Query(root, baseSel) != nil {
		return
	}
	head := cascadia.Query(root, headSel)
	if head == nil {
		return
	}
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     "base",
		DataAtom: atom.Base,
		Attr:     []html.Attribute{{Key: "href", Val: base}},
	}
	head.InsertBefore(n, head.FirstChild)
}
