// Package cmd implements the adjutant CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "adjutant",
	Short: "Dashboard and coordination backend for multi-agent coding sessions",
	Long: `Adjutant multiplexes three domains over one process: a durable agent
message log, a per-session MCP tool server, and a terminal-session bridge
for tmux-hosted coding agents.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(doctorCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "adjutant: %v\n", err)
		return 1
	}
	return 0
}
