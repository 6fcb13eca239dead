package cmd

import (
	"fmt"

	"github.com/Iron-Ham/swarm/internal/command"
	"github.com/Iron-Ham/swarm/internal/runstate"
	"github.com/Iron-Ham/swarm/internal/worktree"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <run-id>",
	Short: "Remove a finished run's worktrees",
	Long: `Remove every worktree a run created. Branches and the run's persisted
state are kept, so the run can still be inspected and its branches merged
by hand. An active run is refused.`,
	Args: cobra.ExactArgs(1),
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	runID := args[0]
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	store, err := env.openStore()
	if err != nil {
		return err
	}
	if _, err := store.LoadInfo(runID); err != nil {
		return err
	}
	if lock, locked := runstate.IsLocked(store.RunDir(runID)); locked {
		return fmt.Errorf("run %s is active in pid %d on %s", runID, lock.PID, lock.Hostname)
	}

	runner, err := command.NewRunner(command.Config{
		Enabled:        env.cfg.Commands.Enabled,
		RedactPatterns: env.cfg.Commands.RedactPatterns,
	}, nil)
	if err != nil {
		return err
	}
	manager, err := worktree.New(env.repoDir, worktree.Config{
		WorktreeDir:  env.cfg.Paths.ResolveWorktreeDir(env.repoDir),
		BranchPrefix: env.cfg.Swarm.BranchPrefix,
	}, runner, nil)
	if err != nil {
		return err
	}
	if err := manager.RemoveRun(runContext(cmd), runID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed worktrees of run %s\n", runID)
	return nil
}
