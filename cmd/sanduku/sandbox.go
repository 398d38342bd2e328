package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/executor"
	goutils "github.com/jkaninda/go-utils"
)

var (
	sandboxConfigPath string
	createTemplate    string
	createUser        string
	createLifetime    time.Duration
	execWorkdir       string
	execTimeout       time.Duration
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Manage sandboxes directly",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandboxes across all configured backends",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withShared(cmd.Context(), func(ctx context.Context, sc *sharedComponents) error {
			infos, err := sc.Orch.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBACKEND\tSTATE\tCREATED")
			for _, info := range infos {
				created := ""
				if !info.CreatedAt.IsZero() {
					created = info.CreatedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.ID, info.Backend, info.State, created)
			}
			return w.Flush()
		})
	},
}

var sandboxCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a sandbox",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withShared(cmd.Context(), func(ctx context.Context, sc *sharedComponents) error {
			h, err := sc.Orch.Create(ctx, backend.CreateOptions{
				Template: createTemplate,
				User:     createUser,
				Lifetime: createLifetime,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%s\n", h.ID(), h.Backend(), h.State())
			return nil
		})
	},
}

var sandboxStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withShared(cmd.Context(), func(ctx context.Context, sc *sharedComponents) error {
			if err := sc.Orch.Stop(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("stopped", args[0])
			return nil
		})
	},
}

var sandboxDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withShared(cmd.Context(), func(ctx context.Context, sc *sharedComponents) error {
			existed, err := sc.Orch.Delete(ctx, args[0])
			if err != nil {
				return err
			}
			if !existed {
				fmt.Println("not found", args[0])
				return nil
			}
			fmt.Println("deleted", args[0])
			return nil
		})
	},
}

var sandboxExecCmd = &cobra.Command{
	Use:   "exec <id> -- <command>",
	Short: "Run a command in a sandbox",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withShared(cmd.Context(), func(ctx context.Context, sc *sharedComponents) error {
			h, err := sc.Orch.Get(ctx, args[0])
			if err != nil {
				return err
			}
			result, err := sc.Exec.Execute(ctx, h, executor.Options{
				Command: strings.Join(args[1:], " "),
				Workdir: execWorkdir,
				Timeout: execTimeout,
			})
			if err != nil {
				return err
			}
			if result.Stdout != "" {
				fmt.Print(result.Stdout)
			}
			if result.Stderr != "" {
				fmt.Fprint(os.Stderr, result.Stderr)
			}
			if result.ExitCode != 0 {
				return fmt.Errorf("exit code %d", result.ExitCode)
			}
			return nil
		})
	},
}

func init() {
	sandboxCmd.PersistentFlags().StringVar(&sandboxConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	sandboxCreateCmd.Flags().StringVar(&createTemplate, "template", "", "image/snapshot identifier")
	sandboxCreateCmd.Flags().StringVar(&createUser, "user", "", "OS user commands run as")
	sandboxCreateCmd.Flags().DurationVar(&createLifetime, "lifetime", 0, "maximum sandbox age (e.g. 1h)")
	sandboxExecCmd.Flags().StringVar(&execWorkdir, "workdir", "", "working directory")
	sandboxExecCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "command timeout (e.g. 30s)")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxCreateCmd, sandboxStopCmd, sandboxDeleteCmd, sandboxExecCmd)
}

// withShared loads config, builds the shared components, runs fn, and
// tears everything down.
func withShared(ctx context.Context, fn func(context.Context, *sharedComponents) error) error {
	logger := newLogger(false)

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", sandboxConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	return fn(ctx, sc)
}
