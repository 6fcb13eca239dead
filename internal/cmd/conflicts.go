package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"time"

	"github.com/Iron-Ham/swarm/internal/conflict"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/util"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List and resolve a run's conflicts",
	Long: `Conflicts are opened when a step cannot be verified, its retries run
out, or its branch cannot be merged. A waiting run picks up resolutions
made here within one poll interval; a stopped run applies them on resume.

Approving accepts the step as it is. Rejecting revises the plan: the note
becomes the step's rework instruction, "drop" removes the step, and
"remediate: [@agent] <task>" inserts a remediation step before it.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list <run-id>",
	Short: "List pending conflicts",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictsList,
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <run-id> <conflict-id>",
	Short: "Show a conflict with its evidence",
	Args:  cobra.ExactArgs(2),
	RunE:  runConflictsShow,
}

var conflictsApproveCmd = &cobra.Command{
	Use:   "approve <run-id> <conflict-id>",
	Short: "Accept the step as it is",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveConflict(cmd, args[0], args[1], conflict.Approved)
	},
}

var conflictsRejectCmd = &cobra.Command{
	Use:   "reject <run-id> <conflict-id>",
	Short: "Reject the step and revise the plan",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveConflict(cmd, args[0], args[1], conflict.Rejected)
	},
}

var (
	conflictsAll  bool
	conflictsJSON bool
	resolveBy     string
	resolveNote   string
)

func init() {
	conflictsListCmd.Flags().BoolVar(&conflictsAll, "all", false, "include resolved conflicts")
	conflictsListCmd.Flags().BoolVar(&conflictsJSON, "json", false, "output as JSON")
	conflictsShowCmd.Flags().BoolVar(&conflictsJSON, "json", false, "output as JSON")
	for _, c := range []*cobra.Command{conflictsApproveCmd, conflictsRejectCmd} {
		c.Flags().StringVar(&resolveBy, "by", "", "who resolved the conflict (default is the current user)")
		c.Flags().StringVar(&resolveNote, "note", "", "instruction recorded with the resolution")
	}

	conflictsCmd.AddCommand(conflictsListCmd, conflictsShowCmd, conflictsApproveCmd, conflictsRejectCmd)
	rootCmd.AddCommand(conflictsCmd)
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	resolver, err := openConflicts(args[0])
	if err != nil {
		return err
	}
	conflicts := resolver.GetPendingConflicts()
	if conflictsAll {
		conflicts = resolver.All()
	}

	out := cmd.OutOrStdout()
	if conflictsJSON {
		if conflicts == nil {
			conflicts = []conflict.Conflict{}
		}
		return writeJSON(out, conflicts)
	}
	if len(conflicts) == 0 {
		fmt.Fprintln(out, "No pending conflicts")
		return nil
	}

	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		state := "pending"
		if c.Resolved {
			state = string(c.Resolution)
		}
		rows = append(rows, []string{
			c.ID,
			fmt.Sprint(c.StepNumber),
			string(c.Type),
			state,
			c.Timestamp.Local().Format(time.DateTime),
			util.Truncate(c.Description, 60),
		})
	}
	return printTable(out, []string{"ID", "STEP", "TYPE", "STATE", "OPENED", "DESCRIPTION"}, rows)
}

func runConflictsShow(cmd *cobra.Command, args []string) error {
	resolver, err := openConflicts(args[0])
	if err != nil {
		return err
	}
	c, ok := resolver.Get(args[1])
	if !ok {
		return conflictNotFound(args[1])
	}

	out := cmd.OutOrStdout()
	if conflictsJSON {
		return writeJSON(out, c)
	}
	printConflict(out, c)
	return nil
}

func printConflict(w io.Writer, c conflict.Conflict) {
	fmt.Fprintln(w, titleStyle.Render("Conflict "+c.ID))
	fmt.Fprintf(w, "Type:    %s\n", c.Type)
	fmt.Fprintf(w, "Step:    %d (%s, attempt %d)\n", c.StepNumber, c.AgentName, c.Attempt)
	fmt.Fprintf(w, "Opened:  %s\n", c.Timestamp.Local().Format(time.DateTime))
	if c.Resolved {
		fmt.Fprintf(w, "State:   %s by %s\n", c.Resolution, c.ResolvedBy)
		if c.Note != "" {
			fmt.Fprintf(w, "Note:    %s\n", c.Note)
		}
	} else {
		fmt.Fprintf(w, "State:   %s\n", warnStyle.Render("pending"))
	}
	fmt.Fprintf(w, "\n%s\n", c.Description)
	if len(c.Evidence) > 0 {
		fmt.Fprintln(w, "\nEvidence:")
		for _, e := range c.Evidence {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
}

func resolveConflict(cmd *cobra.Command, runID, id string, res conflict.Resolution) error {
	resolver, err := openConflicts(runID)
	if err != nil {
		return err
	}
	if _, ok := resolver.Get(id); !ok {
		return conflictNotFound(id)
	}

	by := resolveBy
	if by == "" {
		by = currentUser()
	}
	var applied bool
	if res == conflict.Approved {
		applied = resolver.ApproveConflict(id, by, resolveNote)
	} else {
		applied = resolver.RejectConflict(id, by, resolveNote)
	}
	if !applied {
		c, _ := resolver.Get(id)
		return fmt.Errorf("conflict %s was already %s by %s", id, c.Resolution, c.ResolvedBy)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Conflict %s %s by %s\n", id, res, by)
	return nil
}

func openConflicts(runID string) (*conflict.Resolver, error) {
	env, err := loadEnvironment()
	if err != nil {
		return nil, err
	}
	store, err := env.openStore()
	if err != nil {
		return nil, err
	}
	return env.openResolver(store, runID)
}

func conflictNotFound(id string) error {
	return errors.NewNotFoundError("conflict", id).WithCause(errors.ErrConflictNotFound)
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "human"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
