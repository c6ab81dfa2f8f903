// Package config loads and validates the Adjutant configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every recognized configuration option.
// Zero values are filled from Default() before a file is merged over them.
type Config struct {
	// APIKey authenticates WebSocket and REST clients. Required for all
	// non-MCP paths when set.
	APIKey string `toml:"api_key"`

	// MCPPublicPrefixes lists URL prefixes that skip API-key enforcement.
	MCPPublicPrefixes []string `toml:"mcp_public_prefixes"`

	// WorkspaceRoot is the base directory scanned for beads databases.
	WorkspaceRoot string `toml:"workspace_root"`

	// ProjectsStateDir holds the project and terminal-session registries,
	// the message database, and the server log.
	ProjectsStateDir string `toml:"projects_state_dir"`

	// Addr is the listen address for the HTTP server.
	Addr string `toml:"addr"`

	BDTimeoutMs        int `toml:"bd_timeout_ms"`
	PrefixMapRefreshMs int `toml:"prefix_map_refresh_ms"`

	WSReplayBufferSize     int `toml:"ws_replay_buffer_size"`
	SessionOutputRingLines int `toml:"session_output_ring_lines"`
	MaxTerminalSessions    int `toml:"max_terminal_sessions"`
	BusQueueSize           int `toml:"bus_queue_size"`
}

// Default returns the configuration defaults.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		MCPPublicPrefixes:      []string{"/mcp"},
		WorkspaceRoot:          home,
		ProjectsStateDir:       filepath.Join(home, ".adjutant"),
		Addr:                   ":7717",
		BDTimeoutMs:            10000,
		PrefixMapRefreshMs:     30000,
		WSReplayBufferSize:     1024,
		SessionOutputRingLines: 1000,
		MaxTerminalSessions:    10,
		BusQueueSize:           256,
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".adjutant", "config.toml")
}

// Load reads a TOML config file and merges it over the defaults.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.BDTimeoutMs <= 0 {
		return fmt.Errorf("bd_timeout_ms must be positive, got %d", c.BDTimeoutMs)
	}
	if c.WSReplayBufferSize <= 0 {
		return fmt.Errorf("ws_replay_buffer_size must be positive, got %d", c.WSReplayBufferSize)
	}
	if c.SessionOutputRingLines <= 0 {
		return fmt.Errorf("session_output_ring_lines must be positive, got %d", c.SessionOutputRingLines)
	}
	if c.MaxTerminalSessions <= 0 {
		return fmt.Errorf("max_terminal_sessions must be positive, got %d", c.MaxTerminalSessions)
	}
	return nil
}

// BDTimeout returns the bd invocation timeout as a duration.
func (c *Config) BDTimeout() time.Duration {
	return time.Duration(c.BDTimeoutMs) * time.Millisecond
}

// PrefixMapRefresh returns the prefix map refresh interval as a duration.
func (c *Config) PrefixMapRefresh() time.Duration {
	return time.Duration(c.PrefixMapRefreshMs) * time.Millisecond
}

// MessageDBPath returns the SQLite database location for messages and proposals.
func (c *Config) MessageDBPath() string {
	return filepath.Join(c.ProjectsStateDir, "adjutant.db")
}

// ProjectsPath returns the project registry JSON location.
func (c *Config) ProjectsPath() string {
	return filepath.Join(c.ProjectsStateDir, "projects.json")
}

// SessionsPath returns the terminal-session registry JSON location.
func (c *Config) SessionsPath() string {
	return filepath.Join(c.ProjectsStateDir, "sessions.json")
}

// LogPath returns the server log file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.ProjectsStateDir, "adjutant.log")
}
