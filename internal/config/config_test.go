package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BDTimeoutMs != 10000 {
		t.Errorf("BDTimeoutMs = %d, want 10000", cfg.BDTimeoutMs)
	}
	if cfg.MaxTerminalSessions != 10 {
		t.Errorf("MaxTerminalSessions = %d, want 10", cfg.MaxTerminalSessions)
	}
	if len(cfg.MCPPublicPrefixes) != 1 || cfg.MCPPublicPrefixes[0] != "/mcp" {
		t.Errorf("MCPPublicPrefixes = %v, want [/mcp]", cfg.MCPPublicPrefixes)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
api_key = "sekrit"
bd_timeout_ms = 2500
ws_replay_buffer_size = 64
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIKey != "sekrit" {
		t.Errorf("APIKey = %q, want %q", cfg.APIKey, "sekrit")
	}
	if got := cfg.BDTimeout(); got != 2500*time.Millisecond {
		t.Errorf("BDTimeout() = %v, want 2.5s", got)
	}
	if cfg.WSReplayBufferSize != 64 {
		t.Errorf("WSReplayBufferSize = %d, want 64", cfg.WSReplayBufferSize)
	}
	// Untouched option keeps its default.
	if cfg.SessionOutputRingLines != 1000 {
		t.Errorf("SessionOutputRingLines = %d, want 1000", cfg.SessionOutputRingLines)
	}
}

func TestLoadRejectsBadRanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("bd_timeout_ms = -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted negative bd_timeout_ms")
	}
}

func TestStatePaths(t *testing.T) {
	cfg := Default()
	cfg.ProjectsStateDir = "/tmp/adj"
	if got := cfg.MessageDBPath(); got != "/tmp/adj/adjutant.db" {
		t.Errorf("MessageDBPath() = %q", got)
	}
	if got := cfg.SessionsPath(); got != "/tmp/adj/sessions.json" {
		t.Errorf("SessionsPath() = %q", got)
	}
}
