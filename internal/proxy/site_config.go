package proxy

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	yaml "gopkg.in/yaml.v3"
)

// SiteConfig adjusts how one upstream host is fetched. It is read from
// <sites_dir>/<host>.yaml; a file for a parent domain covers subdomains.
type SiteConfig struct {
	// Render forces "js" or "plain" fetching regardless of the request.
	Render  string            `yaml:"render"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

func (c *SiteConfig) header() http.Header {
	hdr := http.Header{}
	if c == nil {
		return hdr
	}
	for k, v := range c.Headers {
		hdr.Set(k, v)
	}
	return hdr
}

type siteConfigStore struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]*SiteConfig
}

func newSiteConfigStore(dir string) *siteConfigStore {
	return &siteConfigStore{
		dir:   dir,
		cache: make(map[string]*SiteConfig),
	}
}

func (s *siteConfigStore) Find(target string) *SiteConfig {
	if s.dir == "" {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	s.mu.RLock()
	if cfg, ok := s.cache[host]; ok {
		s.mu.RUnlock()
		return cfg
	}
	s.mu.RUnlock()

	var found *SiteConfig
	labels := strings.Split(host, ".")
	for i := 0; i < len(labels); i++ {
		if cfg := s.load(strings.Join(labels[i:], ".")); cfg != nil {
			found = cfg
			break
		}
	}
	s.mu.Lock()
	s.cache[host] = found
	s.mu.Unlock()
	return found
}

func (s *siteConfigStore) load(host string) *SiteConfig {
	data, err := os.ReadFile(filepath.Join(s.dir, host+".yaml"))
	if err != nil {
		return nil
	}
	var cfg SiteConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil
	}
	cfg.Render = strings.TrimSpace(strings.ToLower(cfg.Render))
	return &cfg
}
