package imageref

import (
	"crypto/sha1"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// diskCache keeps embedded thumbnails keyed by reference and size, so remote
// images survive restarts without being fetched again. Least recently used
// entries go first once the directory exceeds max bytes.
type diskCache struct {
	dir string
	max int64

	mu sync.Mutex
}

func newDiskCache(dir string, maxBytes int64) *diskCache {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil
	}
	return &diskCache{dir: dir, max: maxBytes}
}

func (c *diskCache) key(ref string, px int) string {
	h := sha1.Sum([]byte("px=" + strconv.Itoa(px) + "|" + ref))
	name := hex.EncodeToString(h[:])
	return filepath.Join(c.dir, name[:1], name[1:2], name+".uri")
}

func (c *diskCache) get(ref string, px int) (string, bool) {
	if c == nil {
		return "", false
	}
	path := c.key(ref, px)
	b, err := os.ReadFile(path)
	if err != nil || len(b) == 0 {
		return "", false
	}
	now := time.Now()
	_ = os.Chtimes(path, now, now)
	return string(b), true
}

func (c *diskCache) put(ref string, px int, src string) {
	if c == nil {
		return
	}
	path := c.key(ref, px)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(src), 0o644); err != nil {
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return
	}
	c.prune()
}

func (c *diskCache) prune() {
	if c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	type entry struct {
		path string
		size int64
		mod  time.Time
	}
	var (
		files []entry
		total int64
	)
	_ = filepath.WalkDir(c.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".uri") {
			return nil
		}
		if info, e := d.Info(); e == nil {
			files = append(files, entry{p, info.Size(), info.ModTime()})
			total += info.Size()
		}
		return nil
	})
	if total <= c.max {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, f := range files {
		if total <= c.max {
			break
		}
		_ = os.Remove(f.path)
		total -= f.size
	}
}
