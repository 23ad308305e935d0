// Package config holds the server configuration: which plugin binaries to
// run, how to reach them, and how the runner behaves. Sources are a TOML
// file, environment variables, and defaults, merged by viper.
package config

import (
	"fmt"
	"time"

	"github.com/TimWhiting/dart-custom-lint/errors"
)

// Config is the root configuration.
type Config struct {
	Plugins   []PluginConfig  `mapstructure:"plugins"`
	Lint      LintConfig      `mapstructure:"lint"`
	Transport TransportConfig `mapstructure:"transport"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Log       LogConfig       `mapstructure:"log"`
}

// PluginConfig describes one plugin worker to spawn.
type PluginConfig struct {
	Name   string   `mapstructure:"name"`
	Binary string   `mapstructure:"binary"`
	Args   []string `mapstructure:"args"`
	Env    []string `mapstructure:"env"` // KEY=VALUE pairs appended to the child environment
}

// LintConfig tunes diagnostic production.
type LintConfig struct {
	// IncludeBuiltInLints enables synthetic diagnostics for crashed rules.
	IncludeBuiltInLints bool `mapstructure:"include_built_in_lints"`
	// AwaitPollMs paces the quiescence poll answering awaitAnalysisDone.
	AwaitPollMs int `mapstructure:"await_poll_ms"`
}

// Transport kinds.
const (
	TransportPipe      = "pipe"
	TransportWebSocket = "ws"
)

// TransportConfig selects how workers are reached.
type TransportConfig struct {
	// Kind is "pipe" (spawn the binary, NDJSON over stdio) or "ws"
	// (workers dial in over websocket).
	Kind string `mapstructure:"kind"`
	// ListenAddr is the websocket listen address when Kind is "ws".
	ListenAddr string `mapstructure:"listen_addr"`
}

// WatchConfig controls the plugin binary watcher driving hot reload.
type WatchConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	DebounceMs int  `mapstructure:"debounce_ms"`
}

// LogConfig configures the logger.
type LogConfig struct {
	JSON      bool `mapstructure:"json"`
	Verbosity int  `mapstructure:"verbosity"`
}

// AwaitPollInterval returns the quiescence poll interval.
func (c *Config) AwaitPollInterval() time.Duration {
	if c.Lint.AwaitPollMs <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.Lint.AwaitPollMs) * time.Millisecond
}

// WatchDebounce returns the watcher debounce period.
func (c *Config) WatchDebounce() time.Duration {
	if c.Watch.DebounceMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Watch.DebounceMs) * time.Millisecond
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportPipe, TransportWebSocket:
	default:
		return errors.Newf("transport.kind must be %q or %q, got %q",
			TransportPipe, TransportWebSocket, c.Transport.Kind)
	}
	if c.Transport.Kind == TransportWebSocket && c.Transport.ListenAddr == "" {
		return errors.New("transport.listen_addr cannot be empty when transport.kind is \"ws\"")
	}

	seen := make(map[string]bool, len(c.Plugins))
	for i, plugin := range c.Plugins {
		if plugin.Name == "" {
			return errors.Newf("plugins[%d].name cannot be empty", i)
		}
		if seen[plugin.Name] {
			return errors.Newf("duplicate plugin name %q", plugin.Name)
		}
		seen[plugin.Name] = true
		if c.Transport.Kind == TransportPipe && plugin.Binary == "" {
			return errors.Newf("plugins[%d].binary cannot be empty with pipe transport", i)
		}
	}

	if c.Lint.AwaitPollMs < 0 {
		return errors.Newf("lint.await_poll_ms must be >= 0, got %d", c.Lint.AwaitPollMs)
	}
	if c.Watch.DebounceMs < 0 {
		return errors.Newf("watch.debounce_ms must be >= 0, got %d", c.Watch.DebounceMs)
	}
	return nil
}

// String returns a short description of the config.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Plugins: %d, Transport: %s, Watch: %t}",
		len(c.Plugins), c.Transport.Kind, c.Watch.Enabled)
}
