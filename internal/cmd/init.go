package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/LupusDei/adjutant/internal/config"
	"github.com/LupusDei/adjutant/internal/style"
	"github.com/LupusDei/adjutant/internal/util"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [--force]",
	Short: "Bootstrap the config file and agent hook registration",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing configuration")
}

const configTemplate = `# Adjutant configuration.
# api_key authenticates WebSocket and REST clients; the /mcp endpoint is
# public by default so agents can connect without it.
api_key = "%s"

workspace_root = "%s"
projects_state_dir = "%s"
addr = ":7717"

bd_timeout_ms = 10000
prefix_map_refresh_ms = 30000
ws_replay_buffer_size = 1024
session_output_ring_lines = 1000
max_terminal_sessions = 10
`

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath := config.DefaultPath()
	if _, err := os.Stat(cfgPath); err == nil && !initForce {
		style.PrintError("config already exists at %s (use --force to overwrite)", cfgPath)
		return fmt.Errorf("config exists")
	}

	if err := util.EnsureDir(filepath.Dir(cfgPath)); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	stateDir := filepath.Join(home, ".adjutant")

	content := fmt.Sprintf(configTemplate, randomKey(), home, stateDir)
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	style.PrintSuccess("wrote %s", cfgPath)

	// .mcp.json snippet agents use to register the server.
	mcpPath := filepath.Join(stateDir, "mcp.json")
	snippet := map[string]any{
		"mcpServers": map[string]any{
			"adjutant": map[string]any{
				"type": "http",
				"url":  "http://localhost:7717/mcp",
			},
		},
	}
	data, err := json.MarshalIndent(snippet, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(mcpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing mcp registration: %w", err)
	}
	style.PrintSuccess("wrote %s (merge into your project's .mcp.json)", mcpPath)

	return nil
}
