package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Iron-Ham/swarm/internal/agent"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/graph"
	"github.com/Iron-Ham/swarm/internal/plan"
	"github.com/Iron-Ham/swarm/internal/runstate"
	"github.com/Iron-Ham/swarm/internal/util"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <plan>",
	Short: "Execute a plan",
	Long: `Execute a plan file (JSON or YAML) wave by wave.

Each step runs the configured executor in its own worktree, is verified by
the configured gates and merged into the run's base branch. Steps that
cannot be verified open conflicts; resolve them with 'swarm conflicts'
while the run waits, or later followed by 'swarm resume'.

With --dry-run the plan is validated and the schedule and composed tasks
are printed without creating a run.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Continue a blocked or halted run",
	Long: `Resume a run from its persisted state. Verified steps are never
executed again; conflicts resolved since the run stopped are applied first.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var (
	runParallel int
	runDryRun   bool
	runPolicy   string
	runNoDeploy bool
)

func init() {
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "maximum steps executing at once (overrides swarm.max_parallel)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "validate and print the schedule without executing")
	runCmd.Flags().StringVar(&runPolicy, "policy", "", "conflict policy: manual, approve or reject")
	runCmd.Flags().BoolVar(&runNoDeploy, "no-deploy", false, "skip deployment even when the plan requests it")

	resumeCmd.Flags().StringVar(&runPolicy, "policy", "", "conflict policy: manual, approve or reject")
	resumeCmd.Flags().BoolVar(&runNoDeploy, "no-deploy", false, "skip deployment even when the plan requests it")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
}

// applyRunFlags overrides the loaded configuration with command flags.
func applyRunFlags(cmd *cobra.Command, env *environment) {
	if cmd.Flags().Changed("parallel") {
		env.cfg.Swarm.MaxParallel = runParallel
	}
	if runPolicy != "" {
		env.cfg.Conflicts.Policy = runPolicy
	}
	if runNoDeploy {
		env.cfg.Deploy.Enabled = false
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, env)

	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}
	if runDryRun {
		return printDryRun(cmd.OutOrStdout(), env, p)
	}

	ctx, stop := signal.NotifyContext(runContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	w, err := env.wire(ctx, runID)
	if err != nil {
		return err
	}
	defer w.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s\n", titleStyle.Render(runID))
	newProgress(out).attach(w.bus)
	run, err := w.orch.Run(ctx, p)
	return finishRun(out, run, err)
}

func runResume(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, env)

	ctx, stop := signal.NotifyContext(runContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := args[0]
	store, err := env.openStore()
	if err != nil {
		return err
	}
	if _, err := store.LoadInfo(runID); err != nil {
		return err
	}

	w, err := env.wire(ctx, runID)
	if err != nil {
		return err
	}
	defer w.Close()

	out := cmd.OutOrStdout()
	newProgress(out).attach(w.bus)
	run, err := w.orch.Resume(ctx, runID)
	return finishRun(out, run, err)
}

// finishRun prints how the run ended and turns anything but done into an
// error so the process exits non-zero.
func finishRun(out io.Writer, run *runstate.Run, err error) error {
	if err != nil {
		return err
	}
	info := run.Snapshot()
	switch info.Status {
	case runstate.StatusDone:
		fmt.Fprintf(out, "\nBase branch %s holds the merged work.\n", info.BaseBranch)
		if info.DeployURL != "" {
			fmt.Fprintf(out, "Deployed to %s\n", info.DeployURL)
		}
		return nil
	case runstate.StatusBlocked:
		fmt.Fprintf(out, "\nResolve the pending conflicts with 'swarm conflicts list %s', then run 'swarm resume %s'.\n", info.ID, info.ID)
	case runstate.StatusHalted:
		return errors.NewOrchestratorError(info.Error, errors.ErrRunHalted).
			WithRunID(info.ID).
			WithPhase(string(info.Phase))
	}
	return fmt.Errorf("run %s %s: %s", info.ID, info.Status, info.Error)
}

// printDryRun validates p and prints its waves with each step's composed task.
func printDryRun(out io.Writer, env *environment, p *plan.Plan) error {
	agents, err := agent.LoadRegistry(env.resolvePath(env.cfg.Paths.ProfilesFile))
	if err != nil {
		return err
	}
	prefs, err := agent.LoadPreferences(env.resolvePath(env.cfg.Paths.PreferencesFile))
	if err != nil {
		return err
	}
	if err := plan.Validate(p, agents).Err(); err != nil {
		return err
	}
	waves, err := graph.IdentifyExecutionWaves(p, nil)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s %s\n", titleStyle.Render("Goal:"), p.Goal)
	for i, wave := range waves {
		fmt.Fprintf(out, "\n%s\n", headerStyle.Render(fmt.Sprintf("Wave %d", i+1)))
		for _, n := range wave {
			step := p.Step(n)
			profile, err := agents.Resolve(step.AgentName)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  step %d (%s)\n", n, step.AgentName)
			fmt.Fprintln(out, util.Indent(agent.ComposeTask(profile, prefs, *step, ""), "    "))
		}
	}
	return nil
}

// runContext is the command context, or Background when run outside cobra.
func runContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
