package proxy

import (
	"strconv"
	"sync"
	"time"
)

type cacheEntry struct {
	data    []byte
	painted int
	created time.Time
}

// pageCache keeps rewritten pages. Keys carry the engine revision so a
// binding change never serves stale paint.
type pageCache struct {
	mu   sync.RWMutex
	now  func() time.Time
	ttl  time.Duration
	max  int
	data map[string]cacheEntry
}

func newPageCache(now func() time.Time, ttl time.Duration, max int) *pageCache {
	if now == nil {
		now = time.Now
	}
	return &pageCache{
		now:  now,
		ttl:  ttl,
		max:  max,
		data: make(map[string]cacheEntry),
	}
}

func cacheKey(target string, js bool, revision uint64) string {
	return target + "|js=" + strconv.FormatBool(js) + "|rev=" + strconv.FormatUint(revision, 10)
}

func (c *pageCache) enabled() bool { return c.ttl > 0 && c.max > 0 }

func (c *pageCache) Store(key string, data []byte, painted int) {
	if !c.enabled() || len(data) == 0 {
		return
	}
	entry := cacheEntry{
		data:    append([]byte(nil), data...),
		painted: painted,
		created: c.now(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = entry
	c.evictLocked()
}

func (c *pageCache) Select(key string) ([]byte, int, bool) {
	if !c.enabled() {
		return nil, 0, false
	}
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}
	if c.now().Sub(entry.created) >= c.ttl {
		c.mu.Lock()
		if cur, ok := c.data[key]; ok && cur.created.Equal(entry.created) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		return nil, 0, false
	}
	return entry.data, entry.painted, true
}

func (c *pageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// evictLocked drops expired entries, then the oldest ones above max.
func (c *pageCache) evictLocked() {
	now := c.now()
	for k, e := range c.data {
		if now.Sub(e.created) >= c.ttl {
			delete(c.data, k)
		}
	}
	for len(c.data) > c.max {
		var oldest string
		var at time.Time
		for k, e := range c.data {
			if oldest == "" || e.created.Before(at) {
				oldest, at = k, e.created
			}
		}
		delete(c.data, oldest)
	}
}
