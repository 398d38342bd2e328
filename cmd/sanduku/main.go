// Sanduku provisions remote execution sandboxes for autonomous coding agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sandbox orchestration for autonomous coding agents",
	Long: `Sanduku provisions and drives remote execution sandboxes for coding
agents. It rotates credentials across providers, recreates lost sandboxes
with the working repository restored, and schedules tool batches with
serial/parallel isolation.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, sandboxCmd, batchCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
