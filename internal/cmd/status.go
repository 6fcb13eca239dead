package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/Iron-Ham/swarm/internal/conflict"
	"github.com/Iron-Ham/swarm/internal/runstate"
	"github.com/Iron-Ham/swarm/internal/util"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show runs or the state of one run",
	Long: `Without arguments, list every run in the state directory, newest first.
With a run id, show its waves, the latest attempt of each step and its
pending conflicts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	store, err := env.openStore()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		return printRunList(out, store)
	}
	return printRunDetail(out, store, args[0])
}

func printRunList(w io.Writer, store *runstate.Store) error {
	runs, err := store.ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs")
		return nil
	}

	goalWidth := max(terminalWidth()-80, 20)
	rows := make([][]string, 0, len(runs))
	for _, info := range runs {
		rows = append(rows, []string{
			info.ID,
			string(info.Status),
			string(info.Phase),
			fmt.Sprint(len(info.Verified)),
			info.UpdatedAt.Local().Format("2006-01-02 15:04"),
			util.Truncate(info.Goal, goalWidth),
		})
	}
	return printTable(w, []string{"RUN", "STATUS", "PHASE", "VERIFIED", "UPDATED", "GOAL"}, rows)
}

func printRunDetail(w io.Writer, store *runstate.Store, id string) error {
	run, err := store.LoadRun(id)
	if err != nil {
		return err
	}
	info := run.Snapshot()

	fmt.Fprintln(w, titleStyle.Render("Run "+info.ID))
	fmt.Fprintf(w, "Goal:     %s\n", info.Goal)
	fmt.Fprintf(w, "Status:   %s (%s)\n", statusStyle(info.Status).Render(string(info.Status)), info.Phase)
	fmt.Fprintf(w, "Branch:   %s\n", info.BaseBranch)
	fmt.Fprintf(w, "Revision: %d, %d replan(s)\n", info.Revision, info.Replans)
	fmt.Fprintf(w, "Started:  %s\n", info.CreatedAt.Local().Format(time.DateTime))
	if info.FinishedAt != nil {
		fmt.Fprintf(w, "Finished: %s (%s)\n", info.FinishedAt.Local().Format(time.DateTime),
			info.FinishedAt.Sub(info.CreatedAt).Round(time.Second))
	}
	if lock, locked := runstate.IsLocked(store.RunDir(id)); locked {
		fmt.Fprintf(w, "Active:   pid %d on %s since %s\n", lock.PID, lock.Hostname, lock.StartedAt.Local().Format(time.Kitchen))
	}
	if info.DeployURL != "" {
		fmt.Fprintf(w, "Deploy:   %s\n", info.DeployURL)
	} else if info.DeployError != "" {
		fmt.Fprintf(w, "Deploy:   %s\n", errStyle.Render(info.DeployError))
	}
	if info.Error != "" {
		fmt.Fprintf(w, "Reason:   %s\n", warnStyle.Render(info.Error))
	}

	if p := run.Plan(); p != nil && len(p.Steps) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(p.Steps))
		for _, s := range p.Steps {
			state, attempts := "pending", "0"
			if rec, ok := run.LatestRecord(s.StepNumber); ok {
				state = string(rec.Status)
				attempts = fmt.Sprint(rec.Attempt)
			}
			if run.IsVerified(s.StepNumber) {
				state = string(runstate.RecordVerified)
			}
			rows = append(rows, []string{
				fmt.Sprint(s.StepNumber),
				s.AgentName,
				state,
				attempts,
				util.JoinInts(s.Dependencies),
				util.Truncate(s.Task, 50),
			})
		}
		if err := printTable(w, []string{"STEP", "AGENT", "STATE", "ATTEMPTS", "DEPENDS", "TASK"}, rows); err != nil {
			return err
		}
	}

	resolver, err := conflict.Open(store.RunDir(id), nil)
	if err != nil {
		return err
	}
	if pending := resolver.GetPendingConflicts(); len(pending) > 0 {
		fmt.Fprintf(w, "\n%s\n", warnStyle.Render(fmt.Sprintf("%d pending conflict(s):", len(pending))))
		for _, c := range pending {
			fmt.Fprintf(w, "  %s  step %d  %s  %s\n", c.ID, c.StepNumber, c.Type, util.Truncate(c.Description, 60))
		}
	}
	return nil
}
