// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/chatpipe/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chatpipe configuration.
type Config struct {
	// Engine configuration (the streaming chat backend)
	Engine EngineConfig `toml:"engine"`

	// User identity used for conversation ownership
	User UserConfig `toml:"user"`

	// Database configuration
	Database DatabaseConfig `toml:"database"`

	// Logging configuration
	Log LogConfig `toml:"log"`

	// Search mode configuration
	Search SearchConfig `toml:"search"`

	// ShutdownTimeoutSecs bounds how long graceful shutdown waits for
	// active streams before forcing disposal.
	ShutdownTimeoutSecs int `toml:"shutdown_timeout_secs"`
}

// EngineConfig contains the streaming engine endpoint configuration.
type EngineConfig struct {
	// BaseURL is the base URL of the chat engine, e.g. "https://api.example.com"
	BaseURL string `toml:"base_url"`
	// Token is the bearer credential sent with each stream open.
	// Prefer the CHATPIPE_TOKEN environment variable over storing it here.
	Token string `toml:"token"`
}

// UserConfig identifies the local user owning conversations.
type UserConfig struct {
	// ID is the stable user identifier. Empty blocks sending.
	ID string `toml:"id"`
}

// DatabaseConfig contains the durable store configuration.
type DatabaseConfig struct {
	// Path is the SQLite database file path (empty = ~/.chatpipe/chatpipe.db)
	Path string `toml:"path"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `toml:"level"`
	// File is an optional log file path (empty = stderr)
	File string `toml:"file"`
}

// SearchConfig contains search mode defaults.
type SearchConfig struct {
	// Enabled turns search mode on for new sessions
	Enabled bool `toml:"enabled"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			BaseURL: "http://127.0.0.1:8080",
		},
		Database: DatabaseConfig{
			Path: "", // resolved lazily against the config dir
		},
		Log: LogConfig{
			Level: "info",
		},
		Search: SearchConfig{
			Enabled: false,
		},
		ShutdownTimeoutSecs: 10,
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the chatpipe configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatpipe"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// DatabasePath resolves the SQLite path, defaulting into the config dir.
func (c *Config) DatabasePath() (string, error) {
	if c.Database.Path != "" {
		return c.Database.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "chatpipe.db"), nil
}

// ensureSecurePermissions checks and fixes permissions on the config file.
// SECURITY: The file may hold a bearer token, so anything other than 0600
// is tightened on load.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file location.
// Falls back to defaults when no file exists; environment overrides
// are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file with full
// validation. Missing fields keep their default values.
func LoadFromPath(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode TOML file: %w", err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported overrides:
//   - CHATPIPE_ENGINE_URL: overrides engine.base_url
//   - CHATPIPE_TOKEN: overrides engine.token
//   - CHATPIPE_USER_ID: overrides user.id
//   - CHATPIPE_DB_PATH: overrides database.path
//   - CHATPIPE_LOG_LEVEL: overrides log.level
//   - CHATPIPE_LOG_FILE: overrides log.file
//   - CHATPIPE_SEARCH: set to "1" or "true" to enable search mode
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CHATPIPE_ENGINE_URL"); v != "" {
		c.Engine.BaseURL = v
	}
	if v := os.Getenv("CHATPIPE_TOKEN"); v != "" {
		c.Engine.Token = v
	}
	if v := os.Getenv("CHATPIPE_USER_ID"); v != "" {
		c.User.ID = v
	}
	if v := os.Getenv("CHATPIPE_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("CHATPIPE_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("CHATPIPE_LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if v := os.Getenv("CHATPIPE_SEARCH"); v != "" {
		c.Search.Enabled = parseBool(v)
	}
}

func parseBool(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Engine.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("engine.base_url %q is not a valid URL", c.Engine.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("engine.base_url scheme %q must be http or https", u.Scheme)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	case "":
		c.Log.Level = "info"
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}

	if c.ShutdownTimeoutSecs <= 0 {
		c.ShutdownTimeoutSecs = Default().ShutdownTimeoutSecs
	}
	return nil
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes the configuration to the given path atomically.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	// SECURITY: 0600 because the file may contain the bearer token.
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
