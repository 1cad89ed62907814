// Package store holds the binding list and enabled flag the engine reads.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"gemicons/gems"
)

// ErrNotFound is returned when removing a gem that is not stored.
var ErrNotFound = errors.New("store: gem not found")

// Store is a gems.SettingsSource that can also be edited.
type Store interface {
	gems.SettingsSource
	List(ctx context.Context) ([]gems.Binding, error)
	// Add appends b, or replaces the image of an existing gem with the same
	// normalized name in place.
	Add(ctx context.Context, b gems.Binding) error
	Remove(ctx context.Context, name string) error
	SetEnabled(ctx context.Context, enabled bool) error
	Close() error
}

// Config selects and tunes the backend.
type Config struct {
	Kind string `yaml:"kind"` // file | sqlite
	Path string `yaml:"path"`
	// Poll is the sqlite change poll period and the file watch debounce.
	Poll time.Duration `yaml:"poll"`
}

const defaultPoll = 200 * time.Millisecond

// Open returns the backend named by cfg.Kind.
func Open(cfg Config, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Poll <= 0 {
		cfg.Poll = defaultPoll
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: path is required")
	}
	switch strings.ToLower(cfg.Kind) {
	case "", "file", "yaml":
		return NewFileStore(cfg.Path, cfg.Poll, log.Named("store")), nil
	case "sqlite":
		return OpenSQLite(cfg.Path, cfg.Poll, log.Named("store"))
	default:
		return nil, fmt.Errorf("store: unknown kind %q", cfg.Kind)
	}
}

func upsert(list []gems.Binding, b gems.Binding) []gems.Binding {
	key := gems.Normalize(b.Name)
	for i := range list {
		if gems.Normalize(list[i].Name) == key {
			list[i].Image = b.Image
			return list
		}
	}
	return append(list, b)
}

func remove(list []gems.Binding, name string) ([]gems.Binding, error) {
	key := gems.Normalize(name)
	for i := range list {
		if gems.Normalize(list[i].Name) == key {
			return append(list[:i], list[i+1:]...), nil
		}
	}
	return list, fmt.Errorf("%q: %w", name, ErrNotFound)
}

func validate(b gems.Binding) error {
	if gems.Normalize(b.Name) == "" {
		return errors.New("store: gem name is empty")
	}
	return nil
}

func sameBindings(a, b []gems.Binding) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
