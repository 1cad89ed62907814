package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"gemicons/gems"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfiguration("")
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Engine.Interval)
	assert.Equal(t, gems.DefaultMarkerAttr, cfg.Engine.MarkerAttr)
	assert.Equal(t, gems.DefaultMaxDepth, cfg.Engine.MaxDepth)
	assert.Equal(t, gems.DefaultFanOut, cfg.Engine.FanOut)
	assert.Equal(t, gems.DefaultSelectors(), cfg.Engine.Selectors)
	assert.Equal(t, "file", cfg.Store.Kind)
	assert.Equal(t, 250*time.Millisecond, cfg.Observe.Window)
	assert.Equal(t, 96, cfg.Images.ThumbPx)
	assert.True(t, cfg.Browser.Headless)
}

func TestOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  interval: 2s
  selectors:
    icon: i.glyph
store:
  kind: sqlite
  path: /tmp/gems.db
`), 0o644))

	cfg, err := LoadConfiguration(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Engine.Interval)
	assert.Equal(t, "i.glyph", cfg.Engine.Selectors.Icon)
	assert.Equal(t, gems.DefaultLinkSelector, cfg.Engine.Selectors.Link, "untouched keys keep defaults")
	assert.Equal(t, "sqlite", cfg.Store.Kind)
	assert.Equal(t, "/tmp/gems.db", cfg.Store.Path)
}

func TestRejects(t *testing.T) {
	tests := map[string]string{
		"unknown field": "engine:\n  colour: red\n",
		"bad selector":  "engine:\n  selectors:\n    link: 'a['\n",
		"bad store":     "store:\n  kind: redis\n",
		"bad level":     "logging:\n  console:\n    level: loud\n",
		"bad version":   "version: 2\n",
		"bad interval":  "engine:\n  interval: 0s\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cfg.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := LoadConfiguration(path)
			assert.Error(t, err)
		})
	}

	_, err := LoadConfiguration(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDumpRoundTrip(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)
	data, err := Dump(cfg)
	require.NoError(t, err)

	var back Config
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, *cfg, back)
	assert.NotEmpty(t, DefaultYAML())
}

func TestPrepareLogger(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.log")
	conf := LoggingConfig{
		ConsoleLogger: LoggerConfig{Level: "none"},
		FileLogger:    LoggerConfig{Level: "debug", Destination: dest, Mode: "overwrite"},
	}
	log, err := conf.Prepare()
	require.NoError(t, err)
	log.Debug("hello from test")
	_ = log.Sync()

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
	assert.Contains(t, string(data), "gemicons")
}
