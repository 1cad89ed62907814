package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"gemicons/gems"
)

// fileDoc is the on-disk layout. Enabled is a pointer so an absent key can
// fall back to the default.
type fileDoc struct {
	Enabled *bool          `yaml:"enabled,omitempty"`
	Gems    []gems.Binding `yaml:"gems"`
}

// FileStore keeps settings in a YAML file.
type FileStore struct {
	path     string
	debounce time.Duration
	log      *zap.Logger

	mu sync.Mutex
}

// NewFileStore uses path; the file is created on the first write.
func NewFileStore(path string, debounce time.Duration, log *zap.Logger) *FileStore {
	if log == nil {
		log = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = defaultPoll
	}
	return &FileStore{path: filepath.Clean(path), debounce: debounce, log: log}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Load never fails on missing or malformed content; defaults are used instead.
func (s *FileStore) Load(ctx context.Context) (gems.Settings, error) {
	if err := ctx.Err(); err != nil {
		return gems.Settings{}, err
	}
	s.mu.Lock()
	doc, err := s.read()
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("Settings file unreadable, using defaults", zap.String("path", s.path), zap.Error(err))
		return gems.DefaultSettings(), nil
	}
	return doc.settings(), nil
}

func (d fileDoc) settings() gems.Settings {
	out := gems.DefaultSettings()
	if d.Enabled != nil {
		out.Enabled = *d.Enabled
	}
	out.Bindings = gems.CleanBindings(d.Gems)
	return out
}

func (s *FileStore) List(ctx context.Context) ([]gems.Binding, error) {
	st, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return st.Bindings, nil
}

func (s *FileStore) Add(_ context.Context, b gems.Binding) error {
	if err := validate(b); err != nil {
		return err
	}
	return s.update(func(d *fileDoc) error {
		d.Gems = upsert(d.Gems, b)
		return nil
	})
}

func (s *FileStore) Remove(_ context.Context, name string) error {
	return s.update(func(d *fileDoc) error {
		var err error
		d.Gems, err = remove(d.Gems, name)
		return err
	})
}

func (s *FileStore) SetEnabled(_ context.Context, enabled bool) error {
	return s.update(func(d *fileDoc) error {
		d.Enabled = &enabled
		return nil
	})
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) update(fn func(*fileDoc) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := fn(&doc); err != nil {
		return err
	}
	return s.write(doc)
}

func (s *FileStore) read() (fileDoc, error) {
	var doc fileDoc
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, err
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fileDoc{}, err
	}
	return doc, nil
}

// write replaces the file atomically so watchers never see a partial document.
func (s *FileStore) write(doc fileDoc) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Watch reports binding changes until ctx is done. The parent directory is
// watched so that atomic replacements and re-creations are seen.
func (s *FileStore) Watch(ctx context.Context, fn func([]gems.Binding)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("store: watch: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: watch: %w", err)
	}
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("store: watch %s: %w", dir, err)
	}

	last, exists := s.current()
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(s.debounce)
			timerCh = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("Settings watch error", zap.Error(err))

		case <-timerCh:
			timer, timerCh = nil, nil
			cur, ok := s.current()
			switch {
			case !ok && exists:
				s.log.Debug("Settings file removed", zap.String("path", s.path))
				fn(nil)
			case ok && (!exists || !sameBindings(cur, last)):
				s.log.Debug("Settings file changed", zap.String("path", s.path), zap.Int("gems", len(cur)))
				fn(cur)
			}
			last, exists = cur, ok
		}
	}
}

// current returns the stored bindings and whether the file exists.
func (s *FileStore) current() ([]gems.Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path); err != nil {
		return nil, false
	}
	doc, err := s.read()
	if err != nil {
		s.log.Warn("Settings file unreadable", zap.String("path", s.path), zap.Error(err))
		return []gems.Binding{}, true
	}
	return gems.CleanBindings(doc.Gems), true
}
