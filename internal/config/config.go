// Package config loads the server configuration: a YAML file layered with
// environment overrides, plus a file watcher that applies log-level changes
// to the running process.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all bidid configuration.
type Config struct {
	// Addr is the listen address of the WebSocket endpoint.
	Addr string `yaml:"addr"`

	// Browser configures the underlying Chromium instance.
	Browser BrowserConfig `yaml:"browser"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BrowserConfig configures how the CDP engine obtains its browser.
type BrowserConfig struct {
	// ControlURL connects to an already-running browser's DevTools
	// endpoint. When empty the engine launches its own.
	ControlURL string `yaml:"control_url"`

	// Bin overrides the browser binary for launched instances.
	Bin string `yaml:"bin"`

	Headless bool `yaml:"headless"`

	// LaunchArgs are extra command-line flags for launched instances.
	LaunchArgs []string `yaml:"launch_args"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Development bool   `yaml:"development"` // console encoder, stacktraces on warn
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr: "127.0.0.1:9222",
		Browser: BrowserConfig{
			Headless: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("BIDID_ADDR"); addr != "" {
		c.Addr = addr
	}
	if url := os.Getenv("BIDID_BROWSER_URL"); url != "" {
		c.Browser.ControlURL = url
	}
	if bin := os.Getenv("BIDID_BROWSER_BIN"); bin != "" {
		c.Browser.Bin = bin
	}
	if headless := os.Getenv("BIDID_HEADLESS"); headless != "" {
		if v, err := strconv.ParseBool(headless); err == nil {
			c.Browser.Headless = v
		}
	}
	if level := os.Getenv("BIDID_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
