// Package config handles analyzer configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/s2mitm/config.yaml, /config/config.yaml,
// /etc/s2mitm/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "s2mitm", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/s2mitm/config.yaml")
	return paths
}

// searchPathsFunc is indirected so tests can substitute a sandboxed
// search path without touching the real filesystem locations.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all analyzer configuration.
type Config struct {
	Listen      ListenConfig `yaml:"listen"`
	DatabaseURL string       `yaml:"database_url"`
	LogLevel    string       `yaml:"log_level"`
	SimpleCEM   SimpleCEMConfig `yaml:"simple_cem"`
	RouterConfig RouterConfig   `yaml:"router"`
}

// ListenConfig defines the external API server's bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// SimpleCEMConfig defines the emulated CEM's behavior.
type SimpleCEMConfig struct {
	// Enabled activates the simple CEM for RM connections that request it.
	Enabled bool `yaml:"enabled"`
	// TickIntervalSeconds is how often each device model is ticked.
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
	// SupportedProtocolVersion is parsed from the config file but not
	// read by the emulated CEM, whose handshake always offers the
	// version fixed in internal/cem.
	SupportedProtocolVersion string `yaml:"supported_protocol_version"`
}

// RouterConfig defines session-router buffering behavior.
type RouterConfig struct {
	// MaxBufferedEnvelopes caps the per-direction buffer before the
	// router starts dropping the oldest buffered envelope.
	MaxBufferedEnvelopes int `yaml:"max_buffered_envelopes"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${DATABASE_URL}). This is a
	// convenience for container deployments; DATABASE_URL and LOG_LEVEL
	// are also applied as direct overrides below per spec.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies DATABASE_URL and LOG_LEVEL environment
// variables over whatever the config file specified, per spec §6.3.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = "sqlite:///./database.db"
	}
	if c.SimpleCEM.TickIntervalSeconds == 0 {
		c.SimpleCEM.TickIntervalSeconds = 60
	}
	if c.SimpleCEM.SupportedProtocolVersion == "" {
		c.SimpleCEM.SupportedProtocolVersion = "0.0.1-beta"
	}
	if c.RouterConfig.MaxBufferedEnvelopes == 0 {
		c.RouterConfig.MaxBufferedEnvelopes = 10_000
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.RouterConfig.MaxBufferedEnvelopes < 1 {
		return fmt.Errorf("router.max_buffered_envelopes must be positive")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local development.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
