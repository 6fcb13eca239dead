package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/Iron-Ham/swarm/internal/analytics"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent run metrics",
	Long: `Show the summaries recorded for recent runs, newest first, and how the
newest run compares with the average of the others.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var (
	historyLimit int
	historyJSON  bool
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "number of runs to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(historyCmd)
}

// HistoryOutput is the JSON form of `swarm history`.
type HistoryOutput struct {
	Runs       []analytics.RunSummary `json:"runs"`
	Comparison *analytics.Comparison  `json:"comparison,omitempty"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyLimit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", historyLimit)
	}
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	ctx := runContext(cmd)
	sink, err := analytics.Open(ctx, env.cfg.Analytics, env.stateDir)
	if err != nil {
		return err
	}
	defer sink.Close()

	runs, err := sink.Recent(ctx, historyLimit)
	if err != nil {
		return err
	}
	output := HistoryOutput{Runs: runs}
	if output.Runs == nil {
		output.Runs = []analytics.RunSummary{}
	}
	if len(runs) > 1 {
		cmp := analytics.Compare(runs[0], runs[1:])
		output.Comparison = &cmp
	}

	out := cmd.OutOrStdout()
	if historyJSON {
		return writeJSON(out, output)
	}
	return printHistory(out, output)
}

func printHistory(w io.Writer, output HistoryOutput) error {
	if len(output.Runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}

	rows := make([][]string, 0, len(output.Runs))
	for _, s := range output.Runs {
		rows = append(rows, []string{
			s.RunID,
			s.Status,
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			(time.Duration(s.DurationMs) * time.Millisecond).Round(time.Second).String(),
			fmt.Sprint(s.Steps),
			fmt.Sprint(s.Commits),
			fmt.Sprintf("%.0f%%", s.PassRate()*100),
			fmt.Sprint(s.Retries),
			fmt.Sprint(s.Replans),
		})
	}
	if err := printTable(w, []string{"RUN", "STATUS", "STARTED", "DURATION", "STEPS", "COMMITS", "PASS", "RETRIES", "REPLANS"}, rows); err != nil {
		return err
	}

	if c := output.Comparison; c != nil {
		fmt.Fprintf(w, "\nLatest run against the previous %d:\n", c.Runs)
		fmt.Fprintf(w, "  duration   %s\n", signed(c.DurationDeltaPct, "%+.1f%%", true))
		fmt.Fprintf(w, "  commits    %s\n", signed(c.CommitDelta, "%+.1f", false))
		fmt.Fprintf(w, "  pass rate  %s\n", signed(c.PassRateDelta*100, "%+.1f pts", false))
	}
	return nil
}

// signed formats a delta, green when it is an improvement. lowerIsBetter
// flips the sense for durations.
func signed(v float64, format string, lowerIsBetter bool) string {
	s := fmt.Sprintf(format, v)
	switch {
	case v == 0:
		return s
	case (v < 0) == lowerIsBetter:
		return okStyle.Render(s)
	default:
		return warnStyle.Render(s)
	}
}
