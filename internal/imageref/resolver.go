// Package imageref turns the opaque image reference stored with a gem into a
// source the engine can paint.
package imageref

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/h2non/filetype"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"gemicons/gems"
)

// ErrUnusable marks a reference that can never be painted. The engine paints
// such bindings inertly.
var ErrUnusable = errors.New("imageref: unusable image reference")

// ErrPending is returned by Resolve while a remote image is being fetched in
// the background.
var ErrPending = fmt.Errorf("imageref: remote image not fetched yet: %w", gems.ErrImagePending)

// retryDelay spaces background attempts at a reference that failed
// transiently.
const retryDelay = 5 * time.Second

// Kind classifies a reference without resolving it.
type Kind string

const (
	KindData      Kind = "data"
	KindRemote    Kind = "remote"
	KindFile      Kind = "file"
	KindExtension Kind = "extension"
	KindInvalid   Kind = "invalid"
)

var extensionSchemes = []string{"chrome-extension", "moz-extension", "safari-web-extension"}

// Config tunes resolution.
type Config struct {
	// ThumbPx is the side of the square thumbnail embedded for local and
	// fetched images. Default: 96.
	ThumbPx int `yaml:"thumb_px"`
	// MaxBytes bounds how much of a source image is read. Default: 8 MiB.
	MaxBytes int64 `yaml:"max_bytes"`
	// BaseDir anchors relative file references.
	BaseDir string `yaml:"base_dir"`
	// EmbedRemote fetches http(s) images and embeds them instead of
	// referencing them directly.
	EmbedRemote bool `yaml:"embed_remote"`
	// CacheDir holds fetched thumbnails across runs. Empty disables it.
	CacheDir string `yaml:"cache_dir"`
	// CacheMB caps the cache directory. Default: 50.
	CacheMB int `yaml:"cache_mb"`
	// Timeout bounds a remote fetch. Default: 8s.
	Timeout time.Duration `yaml:"timeout"`
}

func (c *Config) defaults() {
	if c.ThumbPx <= 0 {
		c.ThumbPx = 96
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 8 << 20
	}
	if c.CacheMB <= 0 {
		c.CacheMB = 50
	}
	if c.Timeout <= 0 {
		c.Timeout = 8 * time.Second
	}
}

type result struct {
	src string
	err error
}

// Resolver resolves and memoizes image references. Safe for concurrent use.
// Resolve never touches the network; remote images are fetched by Prefetch
// or in the background. Close stops background fetches.
type Resolver struct {
	cfg    Config
	client *http.Client
	disk   *diskCache
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	memo     map[string]result
	inflight map[string]struct{}
	retryAt  map[string]time.Time
	ready    func()
	closed   bool
}

// New builds a Resolver.
func New(cfg Config, log *zap.Logger) *Resolver {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		disk:     newDiskCache(cfg.CacheDir, int64(cfg.CacheMB)<<20),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		memo:     make(map[string]result),
		inflight: make(map[string]struct{}),
		retryAt:  make(map[string]time.Time),
	}
}

// OnReady registers fn to be called after a background fetch settles a
// reference, so the caller can schedule another pass.
func (r *Resolver) OnReady(fn func()) {
	r.mu.Lock()
	r.ready = fn
	r.mu.Unlock()
}

// Close cancels background fetches and waits for them to return.
func (r *Resolver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

// Classify reports what kind of reference ref is.
func Classify(ref string) Kind {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return KindInvalid
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "data:") {
		return KindData
	}
	if i := strings.Index(lower, "://"); i > 0 {
		switch scheme := lower[:i]; scheme {
		case "http", "https":
			return KindRemote
		case "file":
			return KindFile
		default:
			for _, s := range extensionSchemes {
				if scheme == s {
					return KindExtension
				}
			}
			return KindInvalid
		}
	}
	return KindFile
}

// Resolve returns a CSS-paintable source for ref. Successes and ErrUnusable
// failures are remembered for the lifetime of the Resolver; transient
// failures are not. An embedded remote image that is not ready yet yields
// ErrPending and a background fetch.
func (r *Resolver) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if res, ok := r.memoized(ref); ok {
		return res.src, res.err
	}
	if r.embedsRemote(ref) {
		r.fetchAsync(ref)
		return "", ErrPending
	}
	src, err := r.resolve(ref)
	r.settle(ref, src, err)
	return src, err
}

// Prefetch resolves refs ahead of the passes that paint them, fetching
// embedded remote images synchronously. Transient failures are returned and
// left for a later attempt.
func (r *Resolver) Prefetch(ctx context.Context, refs []string) error {
	var errs error
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, ok := r.memoized(ref); ok {
			continue
		}
		var (
			src string
			err error
		)
		if r.embedsRemote(ref) {
			src, err = r.fetch(ctx, ref)
			r.settle(ref, src, err)
		} else {
			_, err = r.Resolve(ref)
		}
		if err != nil && !errors.Is(err, ErrUnusable) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (r *Resolver) memoized(ref string) (result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.memo[ref]
	return res, ok
}

// settle records the outcome of a resolution if it is final.
func (r *Resolver) settle(ref, src string, err error) {
	if err != nil && !errors.Is(err, ErrUnusable) {
		r.log.Debug("Image reference not available yet", zap.String("ref", abbrev(ref)), zap.Error(err))
		return
	}
	if err != nil {
		r.log.Debug("Image reference unusable", zap.String("ref", abbrev(ref)), zap.Error(err))
	}
	r.mu.Lock()
	r.memo[ref] = result{src, err}
	r.mu.Unlock()
}

func (r *Resolver) embedsRemote(ref string) bool {
	return r.cfg.EmbedRemote && Classify(ref) == KindRemote
}

func (r *Resolver) fetchAsync(ref string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if _, busy := r.inflight[ref]; busy {
		r.mu.Unlock()
		return
	}
	if at, ok := r.retryAt[ref]; ok && time.Now().Before(at) {
		r.mu.Unlock()
		return
	}
	r.inflight[ref] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
		src, err := r.fetch(ctx, ref)
		cancel()
		r.settle(ref, src, err)

		final := err == nil || errors.Is(err, ErrUnusable)
		r.mu.Lock()
		delete(r.inflight, ref)
		if final {
			delete(r.retryAt, ref)
		} else {
			r.retryAt[ref] = time.Now().Add(retryDelay)
		}
		ready := r.ready
		r.mu.Unlock()

		if final && ready != nil {
			ready()
		}
	}()
}

// Embed reads ref and always returns a data URI, whatever its kind. Used
// when storing gems so the store does not depend on files staying around.
func (r *Resolver) Embed(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch Classify(ref) {
	case KindData:
		return r.resolveData(ref)
	case KindRemote:
		return r.fetch(ctx, ref)
	case KindFile:
		return r.readFile(ref)
	default:
		return "", fmt.Errorf("%q: %w", abbrev(ref), ErrUnusable)
	}
}

func (r *Resolver) resolve(ref string) (string, error) {
	switch Classify(ref) {
	case KindData:
		return r.resolveData(ref)
	case KindRemote:
		// Embedded remote images never reach here; see Resolve.
		return ref, nil
	case KindFile:
		return r.readFile(ref)
	case KindExtension:
		return "", fmt.Errorf("packaged extension resource %q: %w", ref, ErrUnusable)
	default:
		return "", fmt.Errorf("%q: %w", abbrev(ref), ErrUnusable)
	}
}

func (r *Resolver) resolveData(ref string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(ref), "data:image/") {
		return "", fmt.Errorf("data URI is not an image: %w", ErrUnusable)
	}
	return ref, nil
}

func (r *Resolver) readFile(ref string) (string, error) {
	path := ref
	if strings.HasPrefix(strings.ToLower(ref), "file://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", fmt.Errorf("%q: %w", ref, ErrUnusable)
		}
		path = u.Path
	}
	if !filepath.IsAbs(path) && r.cfg.BaseDir != "" {
		path = filepath.Join(r.cfg.BaseDir, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, errors.Join(err, ErrUnusable))
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, r.cfg.MaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if int64(len(data)) > r.cfg.MaxBytes {
		return "", fmt.Errorf("%s exceeds %d bytes: %w", path, r.cfg.MaxBytes, ErrUnusable)
	}
	if strings.EqualFold(filepath.Ext(path), ".svg") {
		return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString(data), nil
	}
	return r.thumbnail(data)
}

func (r *Resolver) fetch(ctx context.Context, ref string) (string, error) {
	if src, ok := r.disk.get(ref, r.cfg.ThumbPx); ok {
		return src, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", fmt.Errorf("%q: %w", ref, ErrUnusable)
	}
	req.Header.Set("Accept", "image/*")
	req.Header.Set("User-Agent", "gemicons-image-fetcher/1.0")
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("fetch %s: status %d", ref, resp.StatusCode)
		if permanentStatus(resp.StatusCode) {
			err = fmt.Errorf("%w: %w", err, ErrUnusable)
		}
		return "", err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", ref, err)
	}
	if int64(len(data)) > r.cfg.MaxBytes {
		return "", fmt.Errorf("%s exceeds %d bytes: %w", ref, r.cfg.MaxBytes, ErrUnusable)
	}

	src, err := r.thumbnail(data)
	if err != nil {
		return "", err
	}
	r.disk.put(ref, r.cfg.ThumbPx, src)
	return src, nil
}

// thumbnail sniffs data, crops it to a centred square and returns it as a
// PNG data URI.
func (r *Resolver) thumbnail(data []byte) (string, error) {
	if !filetype.IsImage(data) {
		kind, _ := filetype.Match(data)
		mime := kind.MIME.Value
		if kind == filetype.Unknown {
			mime = "unknown"
		}
		return "", fmt.Errorf("content is %s, not an image: %w", mime, ErrUnusable)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode: %w", errors.Join(err, ErrUnusable))
	}
	px := r.cfg.ThumbPx
	thumb := imaging.Fill(img, px, px, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode %s thumbnail: %w", format, err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// permanentStatus reports whether an HTTP status means the image will not
// appear on retry. Timeouts and rate limiting are worth another try.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}

func abbrev(ref string) string {
	if len(ref) > 64 {
		return ref[:61] + "..."
	}
	return ref
}
