package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"gemicons/gems"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const (
	keyEnabled = "enabled"
	keyGems    = "gems"
)

// SQLiteStore keeps settings as JSON values in a key/value table.
type SQLiteStore struct {
	db   *sql.DB
	poll time.Duration
	log  *zap.Logger

	mu     sync.Mutex
	writes atomic.Uint64
}

// OpenSQLite opens (and if needed creates) the database at path.
func OpenSQLite(path string, poll time.Duration, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if poll <= 0 {
		poll = defaultPoll
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// data_version is per connection; one connection keeps it meaningful.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &SQLiteStore{db: db, poll: poll, log: log}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLiteStore) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, string(data))
	if err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	s.writes.Add(1)
	return nil
}

// Load substitutes defaults for missing or malformed values. Only database
// failures are returned.
func (s *SQLiteStore) Load(ctx context.Context) (gems.Settings, error) {
	out := gems.DefaultSettings()

	raw, ok, err := s.get(ctx, keyEnabled)
	if err != nil {
		return out, fmt.Errorf("store: read %s: %w", keyEnabled, err)
	}
	if ok {
		var enabled bool
		if err := json.Unmarshal([]byte(raw), &enabled); err != nil {
			s.log.Warn("Malformed enabled value, using default", zap.String("value", raw))
		} else {
			out.Enabled = enabled
		}
	}

	list, err := s.bindings(ctx)
	if err != nil {
		return out, err
	}
	out.Bindings = list
	return out, nil
}

// bindings returns the stored list, nil when the key is absent.
func (s *SQLiteStore) bindings(ctx context.Context) ([]gems.Binding, error) {
	raw, ok, err := s.get(ctx, keyGems)
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", keyGems, err)
	}
	if !ok {
		return nil, nil
	}
	var list []gems.Binding
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		s.log.Warn("Malformed gems value, using empty list", zap.Error(err))
		return []gems.Binding{}, nil
	}
	return gems.CleanBindings(list), nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]gems.Binding, error) {
	list, err := s.bindings(ctx)
	if list == nil && err == nil {
		list = []gems.Binding{}
	}
	return list, err
}

func (s *SQLiteStore) Add(ctx context.Context, b gems.Binding) error {
	if err := validate(b); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.List(ctx)
	if err != nil {
		return err
	}
	return s.put(ctx, keyGems, upsert(list, b))
}

func (s *SQLiteStore) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.List(ctx)
	if err != nil {
		return err
	}
	if list, err = remove(list, name); err != nil {
		return err
	}
	return s.put(ctx, keyGems, list)
}

func (s *SQLiteStore) SetEnabled(ctx context.Context, enabled bool) error {
	return s.put(ctx, keyEnabled, enabled)
}

// Watch polls PRAGMA data_version, which moves when another connection
// commits, plus this store's own write counter. The gems value is only
// re-read when either moved.
func (s *SQLiteStore) Watch(ctx context.Context, fn func([]gems.Binding)) error {
	version, err := s.dataVersion(ctx)
	if err != nil {
		return err
	}
	writes := s.writes.Load()
	last, err := s.bindings(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		v, err := s.dataVersion(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("Unable to poll data_version", zap.Error(err))
			continue
		}
		w := s.writes.Load()
		if v == version && w == writes {
			continue
		}
		version, writes = v, w

		cur, err := s.bindings(ctx)
		if err != nil {
			s.log.Warn("Unable to read gems", zap.Error(err))
			continue
		}
		if (cur == nil) == (last == nil) && sameBindings(cur, last) {
			continue
		}
		last = cur
		s.log.Debug("Stored gems changed", zap.Int("gems", len(cur)))
		fn(cur)
	}
}

func (s *SQLiteStore) dataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("store: data_version: %w", err)
	}
	return v, nil
}
