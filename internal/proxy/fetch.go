package proxy

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"gemicons/internal/config"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

type httpFetcher struct {
	client  *http.Client
	ua      string
	maxBody int64
}

func newHTTPFetcher(cfg config.ProxyConfig) *httpFetcher {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	return &httpFetcher{
		client:  &http.Client{Timeout: timeout},
		ua:      ua,
		maxBody: cfg.MaxBodyBytes,
	}
}

func (f *httpFetcher) Fetch(ctx context.Context, target string, hdr http.Header) (*Upstream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	for k, vs := range hdr {
		req.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && mt != "text/html" && mt != "application/xhtml+xml" {
			return nil, fmt.Errorf("upstream returned %s, not html", mt)
		}
	}
	var body io.Reader = resp.Body
	if f.maxBody > 0 {
		body = io.LimitReader(resp.Body, f.maxBody+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("unable to read upstream body: %w", err)
	}
	if f.maxBody > 0 && int64(len(data)) > f.maxBody {
		return nil, fmt.Errorf("upstream body exceeds %d bytes", f.maxBody)
	}
	return &Upstream{URL: resp.Request.URL.String(), Status: resp.StatusCode, Body: data}, nil
}
