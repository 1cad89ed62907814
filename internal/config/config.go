// Package config loads the application configuration.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	yaml "gopkg.in/yaml.v3"

	"gemicons/gems"
	"gemicons/internal/imageref"
	"gemicons/internal/observe"
	"gemicons/internal/store"
)

//go:embed default.yaml
var defaultConfig []byte

type (
	EngineConfig struct {
		gems.Config `yaml:",inline"`
		Interval    time.Duration `yaml:"interval"`
	}

	BrowserConfig struct {
		URL          string        `yaml:"url"`
		// Remote is a DevTools websocket URL of an already running browser.
		// When set no browser is launched.
		Remote       string        `yaml:"remote"`
		Headless     bool          `yaml:"headless"`
		UserDataDir  string        `yaml:"user_data_dir"`
		WaitSelector string        `yaml:"wait_selector"`
		Settle       time.Duration `yaml:"settle"`
		Timeout      time.Duration `yaml:"timeout"`

		// Flags are extra command line switches, "name" or "name=value".
		Flags []string `yaml:"flags"`
	}

	ProxyConfig struct {
		Listen       string        `yaml:"listen"`
		JS           bool          `yaml:"js"`
		FetchTimeout time.Duration `yaml:"fetch_timeout"`
		CacheTTL     time.Duration `yaml:"cache_ttl"`
		CacheEntries int           `yaml:"cache_entries"`
		MaxBodyBytes int64         `yaml:"max_body_bytes"`
		UserAgent    string        `yaml:"user_agent"`

		// SitesDir holds per-host <host>.yaml overrides.
		SitesDir string `yaml:"sites_dir"`
	}

	Config struct {
		Version int             `yaml:"version"`
		Logging LoggingConfig   `yaml:"logging"`
		Engine  EngineConfig    `yaml:"engine"`
		Observe observe.Config  `yaml:"observe"`
		Store   store.Config    `yaml:"store"`
		Browser BrowserConfig   `yaml:"browser"`
		Proxy   ProxyConfig     `yaml:"proxy"`
		Images  imageref.Config `yaml:"images"`
	}
)

func unmarshalConfig(data []byte, cfg *Config) error {
	// Only fields defined above are accepted.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode configuration data: %w", err)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := unmarshalConfig(defaultConfig, cfg); err != nil {
		return nil, fmt.Errorf("failed to process default configuration: %w", err)
	}
	return cfg, nil
}

// LoadConfiguration reads the file at path, if any, over the built-in
// defaults and validates the result.
func LoadConfiguration(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if len(path) > 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := unmarshalConfig(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to process configuration file: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs error
	if c.Version != 1 {
		errs = multierr.Append(errs, fmt.Errorf("unsupported configuration version %d", c.Version))
	}
	for name, lvl := range map[string]string{"console": c.Logging.ConsoleLogger.Level, "file": c.Logging.FileLogger.Level} {
		switch lvl {
		case "none", "normal", "debug":
		default:
			errs = multierr.Append(errs, fmt.Errorf("logging.%s.level: unknown level %q", name, lvl))
		}
	}
	if m := c.Logging.FileLogger.Mode; m != "" && m != "append" && m != "overwrite" {
		errs = multierr.Append(errs, fmt.Errorf("logging.file.mode: unknown mode %q", m))
	}
	switch strings.ToLower(c.Store.Kind) {
	case "file", "yaml", "sqlite":
	default:
		errs = multierr.Append(errs, fmt.Errorf("store.kind: unknown kind %q", c.Store.Kind))
	}
	if c.Engine.Interval <= 0 {
		errs = multierr.Append(errs, errors.New("engine.interval must be positive"))
	}
	if _, err := gems.New(c.Engine.Config); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("engine: %w", err))
	}
	return errs
}

// Dump returns cfg as YAML.
func Dump(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config to yaml: %w", err)
	}
	return data, nil
}

// DefaultYAML returns the built-in configuration document verbatim.
func DefaultYAML() []byte {
	return append([]byte(nil), defaultConfig...)
}
