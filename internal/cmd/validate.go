package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Iron-Ham/swarm/internal/agent"
	"github.com/Iron-Ham/swarm/internal/graph"
	"github.com/Iron-Ham/swarm/internal/plan"
	"github.com/Iron-Ham/swarm/internal/util"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan>",
	Short: "Validate a plan file",
	Long: `Validate a plan file (JSON or YAML) without running it.

This command checks:
  - Goal and step numbering
  - Dependency references and cycles
  - Agent names against the built-in and configured profiles

When the plan is valid the execution waves are printed.

The exit code indicates the result:
  0 - Plan is valid (may have warnings)
  1 - Plan has validation errors or could not be parsed`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var validateJSON bool

func init() {
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output validation result as JSON")
	rootCmd.AddCommand(validateCmd)
}

// ValidationOutput represents the JSON output format for validation results.
type ValidationOutput struct {
	Valid        bool           `json:"valid"`
	FilePath     string         `json:"file_path"`
	ErrorCount   int            `json:"error_count"`
	WarningCount int            `json:"warning_count"`
	Messages     []plan.Message `json:"messages,omitempty"`
	Waves        [][]int        `json:"waves,omitempty"`
	ParseError   string         `json:"parse_error,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	filePath := args[0]

	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	agents, err := agent.LoadRegistry(env.resolvePath(env.cfg.Paths.ProfilesFile))
	if err != nil {
		return err
	}

	p, err := plan.Load(filePath)
	if err != nil {
		if validateJSON {
			return outputValidationJSON(out, ValidationOutput{FilePath: filePath, ParseError: err.Error()})
		}
		return err
	}

	output := validatePlan(p, agents)
	output.FilePath = filePath
	if validateJSON {
		return outputValidationJSON(out, output)
	}
	return outputValidationHuman(out, p, output)
}

// validatePlan runs structural validation and, when that passes, wave
// computation, which is where cycles surface.
func validatePlan(p *plan.Plan, agents *agent.Registry) ValidationOutput {
	result := plan.Validate(p, agents)
	output := ValidationOutput{
		Valid:        result.IsValid,
		ErrorCount:   result.ErrorCount,
		WarningCount: result.WarningCount,
		Messages:     result.Messages,
	}
	if !result.IsValid {
		return output
	}

	waves, err := graph.IdentifyExecutionWaves(p, nil)
	if err != nil {
		output.Valid = false
		output.ErrorCount++
		output.Messages = append(output.Messages, plan.Message{
			Severity:   plan.SeverityError,
			Message:    err.Error(),
			Field:      "dependencies",
			Suggestion: "Remove one dependency from the cycle",
		})
		return output
	}
	output.Waves = waves
	return output
}

// outputValidationJSON prints output and returns an error when the plan is
// invalid so the exit code reflects the result.
func outputValidationJSON(w io.Writer, output ValidationOutput) error {
	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	if !output.Valid {
		return invalidPlanError(output)
	}
	return nil
}

func outputValidationHuman(w io.Writer, p *plan.Plan, output ValidationOutput) error {
	fmt.Fprintf(w, "Validating: %s\n\n", output.FilePath)
	fmt.Fprintf(w, "Plan Summary:\n")
	fmt.Fprintf(w, "  Goal: %s\n", util.Truncate(p.Goal, 100))
	fmt.Fprintf(w, "  Steps: %d\n", len(p.Steps))
	if p.Revision > 0 {
		fmt.Fprintf(w, "  Revision: %d\n", p.Revision)
	}
	fmt.Fprintln(w)

	if output.Valid {
		fmt.Fprintf(w, "Status: %s\n", okStyle.Render("VALID"))
	} else {
		fmt.Fprintf(w, "Status: %s\n", errStyle.Render("INVALID"))
	}
	if output.ErrorCount > 0 || output.WarningCount > 0 {
		fmt.Fprintf(w, "  Errors: %d, Warnings: %d\n", output.ErrorCount, output.WarningCount)
	}
	fmt.Fprintln(w)

	for _, sev := range []plan.Severity{plan.SeverityError, plan.SeverityWarning} {
		var msgs []plan.Message
		for _, m := range output.Messages {
			if m.Severity == sev {
				msgs = append(msgs, m)
			}
		}
		if len(msgs) == 0 {
			continue
		}
		if sev == plan.SeverityError {
			fmt.Fprintln(w, "Errors:")
		} else {
			fmt.Fprintln(w, "Warnings:")
		}
		for _, m := range msgs {
			printMessage(w, m)
		}
		fmt.Fprintln(w)
	}

	if len(output.Waves) > 0 {
		fmt.Fprintln(w, "Execution Waves:")
		for i, wave := range output.Waves {
			fmt.Fprintf(w, "  %d: steps %s\n", i+1, util.JoinInts(wave))
		}
	}

	if !output.Valid {
		return invalidPlanError(output)
	}
	return nil
}

// printMessage prints a single validation message with its step and suggestion.
func printMessage(w io.Writer, m plan.Message) {
	prefix := "  - "
	if m.StepNumber > 0 {
		prefix = fmt.Sprintf("  - [step %d] ", m.StepNumber)
	}
	fmt.Fprintf(w, "%s%s\n", prefix, m.Message)
	if m.Suggestion != "" {
		fmt.Fprintf(w, "    Suggestion: %s\n", m.Suggestion)
	}
}

func invalidPlanError(output ValidationOutput) error {
	if output.ParseError != "" {
		return fmt.Errorf("plan could not be parsed: %s", output.ParseError)
	}
	return fmt.Errorf("plan validation failed with %d error(s)", output.ErrorCount)
}
