package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/lifecycle"
	"github.com/jkaninda/sanduku/internal/scheduler"
)

var (
	batchFile       string
	batchRunID      string
	batchSessionID  string
	batchRepoURL    string
	batchRepoBranch string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run a batch of tool invocations from a JSON file",
	Long: `Reads a JSON array of invocations ({"tool": ..., "params": {...}}),
optionally acquires a sandbox with the given repository checked out, runs
the batch through the scheduler, and prints the outcomes as JSON.`,
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringVar(&batchFile, "file", "", "path to the invocations JSON file (required)")
	batchCmd.Flags().StringVar(&batchRunID, "run-id", "", "run identifier (default: generated)")
	batchCmd.Flags().StringVar(&batchSessionID, "session", "", "prior sandbox id to reuse")
	batchCmd.Flags().StringVar(&batchRepoURL, "repo", "", "repository URL to prepare in the sandbox")
	batchCmd.Flags().StringVar(&batchRepoBranch, "branch", "", "feature branch to create")
	_ = batchCmd.MarkFlagRequired("file")
	batchCmd.Flags().StringVar(&sandboxConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runBatch(cmd *cobra.Command, _ []string) error {
	data, err := os.ReadFile(batchFile)
	if err != nil {
		return err
	}
	var invocations []scheduler.Invocation
	if err := json.Unmarshal(data, &invocations); err != nil {
		return fmt.Errorf("parsing %s: %w", batchFile, err)
	}
	if len(invocations) == 0 {
		return fmt.Errorf("%s contains no invocations", batchFile)
	}

	runID := batchRunID
	if runID == "" {
		runID = uuid.New().String()
	}

	return withShared(cmd.Context(), func(ctx context.Context, sc *sharedComponents) error {
		if batchRepoURL != "" {
			acquired, err := sc.Coordinator.GetOrRecreate(ctx, batchSessionID, lifecycle.Repo{
				URL:    batchRepoURL,
				Branch: batchRepoBranch,
			}, runID)
			if err != nil {
				return fmt.Errorf("acquiring sandbox: %w", err)
			}
			sc.Session.Activate(acquired.Handle)
			fmt.Fprintf(os.Stderr, "sandbox %s (%s, reused=%v)\n",
				acquired.Handle.ID(), acquired.Handle.Backend(), acquired.Reused)
		}

		result := sc.Sched.RunBatch(ctx, runID, invocations)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"run_id":       runID,
			"outcomes":     result.Outcomes,
			"side_effects": result.SideEffects,
		})
	})
}
