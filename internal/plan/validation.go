package plan

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/swarm/internal/errors"
)

// AgentResolver reports whether an agent name resolves to a registered profile.
type AgentResolver interface {
	Known(name string) bool
}

// Severity classifies a validation message.
type Severity string

const (
	// SeverityError blocks execution.
	SeverityError Severity = "error"
	// SeverityWarning is reported but does not block execution.
	SeverityWarning Severity = "warning"
)

// Message is a single validation finding.
type Message struct {
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	StepNumber   int      `json:"stepNumber,omitempty"`
	Field        string   `json:"field,omitempty"`
	Suggestion   string   `json:"suggestion,omitempty"`
	RelatedSteps []int    `json:"relatedSteps,omitempty"`
}

// ValidationResult collects every finding for a plan.
type ValidationResult struct {
	IsValid      bool      `json:"isValid"`
	Messages     []Message `json:"messages"`
	ErrorCount   int       `json:"errorCount"`
	WarningCount int       `json:"warningCount"`
}

func (r *ValidationResult) add(m Message) {
	r.Messages = append(r.Messages, m)
	switch m.Severity {
	case SeverityError:
		r.ErrorCount++
		r.IsValid = false
	case SeverityWarning:
		r.WarningCount++
	}
}

// Err converts the result into a *errors.PlanValidationError, or nil when valid.
// The first error message becomes the headline; all errors are attached as problems.
func (r *ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	var (
		first    *Message
		problems []string
	)
	for i := range r.Messages {
		m := &r.Messages[i]
		if m.Severity != SeverityError {
			continue
		}
		if first == nil {
			first = m
		}
		if m.StepNumber > 0 {
			problems = append(problems, fmt.Sprintf("step %d: %s", m.StepNumber, m.Message))
		} else {
			problems = append(problems, m.Message)
		}
	}

	cause := errors.ErrPlanInvalid
	if first.Field == "agentName" {
		cause = errors.ErrUnknownAgent
	} else if first.Field == "dependencies" {
		cause = errors.ErrUnknownStep
	}
	return errors.NewPlanValidationError(first.Message, cause).
		WithStep(first.StepNumber).
		WithField(first.Field).
		WithProblems(problems)
}

// Validate checks the plan's structure: goal, step numbering, tasks,
// dependency references and agent names. Cycles are detected by graph.Build.
// agents may be nil to skip agent resolution.
func Validate(p *Plan, agents AgentResolver) *ValidationResult {
	result := &ValidationResult{IsValid: true, Messages: []Message{}}

	if p == nil {
		result.add(Message{Severity: SeverityError, Message: "plan is nil"})
		return result
	}
	if strings.TrimSpace(p.Goal) == "" {
		result.add(Message{
			Severity:   SeverityError,
			Message:    "plan has no goal",
			Field:      "goal",
			Suggestion: "Describe what the run should achieve",
		})
	}
	if len(p.Steps) == 0 {
		result.add(Message{
			Severity:   SeverityError,
			Message:    "plan has no steps",
			Field:      "steps",
			Suggestion: "Add at least one step to the plan",
		})
		return result
	}

	numbers := make(map[int]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.StepNumber <= 0 {
			result.add(Message{
				Severity: SeverityError,
				Message:  fmt.Sprintf("step number %d is not a positive integer", s.StepNumber),
				Field:    "stepNumber",
			})
			continue
		}
		if numbers[s.StepNumber] {
			result.add(Message{
				Severity:   SeverityError,
				Message:    fmt.Sprintf("duplicate step number %d", s.StepNumber),
				StepNumber: s.StepNumber,
				Field:      "stepNumber",
			})
		}
		numbers[s.StepNumber] = true
	}

	for _, s := range p.Steps {
		if strings.TrimSpace(s.Task) == "" {
			result.add(Message{
				Severity:   SeverityError,
				Message:    "step has an empty task",
				StepNumber: s.StepNumber,
				Field:      "task",
			})
		}
		if agents != nil && !agents.Known(s.AgentName) {
			result.add(Message{
				Severity:   SeverityError,
				Message:    fmt.Sprintf("unknown agent %q", s.AgentName),
				StepNumber: s.StepNumber,
				Field:      "agentName",
				Suggestion: "Use a registered agent profile name",
			})
		}
		for _, dep := range s.Dependencies {
			switch {
			case dep == s.StepNumber:
				result.add(Message{
					Severity:   SeverityError,
					Message:    "step depends on itself",
					StepNumber: s.StepNumber,
					Field:      "dependencies",
				})
			case !numbers[dep]:
				result.add(Message{
					Severity:     SeverityError,
					Message:      fmt.Sprintf("depends on unknown step %d", dep),
					StepNumber:   s.StepNumber,
					Field:        "dependencies",
					RelatedSteps: []int{dep},
				})
			}
		}
	}

	for _, m := range outputOverlaps(p) {
		result.add(m)
	}

	return result
}

// outputOverlaps warns when two steps that can run in parallel declare the
// same expected output; their branches would collide at merge time.
func outputOverlaps(p *Plan) []Message {
	owners := make(map[string][]int)
	for _, s := range p.Steps {
		for _, out := range s.ExpectedOutputs {
			owners[out] = append(owners[out], s.StepNumber)
		}
	}

	outputs := make([]string, 0, len(owners))
	for out := range owners {
		outputs = append(outputs, out)
	}
	slices.Sort(outputs)

	var msgs []Message
	for _, out := range outputs {
		steps := owners[out]
		if len(steps) < 2 || inDependencyChain(p, steps) {
			continue
		}
		slices.Sort(steps)
		msgs = append(msgs, Message{
			Severity:     SeverityWarning,
			Message:      fmt.Sprintf("output %q is produced by independent steps", out),
			StepNumber:   steps[0],
			Field:        "expectedOutputs",
			Suggestion:   "Add a dependency between these steps so their changes merge in order",
			RelatedSteps: steps,
		})
	}
	return msgs
}

// inDependencyChain reports whether the steps are totally ordered by
// transitive dependencies.
func inDependencyChain(p *Plan, steps []int) bool {
	for i := 0; i < len(steps); i++ {
		for j := i + 1; j < len(steps); j++ {
			a, b := steps[i], steps[j]
			if !Ancestors(p, a)[b] && !Ancestors(p, b)[a] {
				return false
			}
		}
	}
	return true
}

// Ancestors returns every step the given step transitively depends on.
// Unknown references and cycles are tolerated.
func Ancestors(p *Plan, n int) map[int]bool {
	seen := make(map[int]bool)
	var visit func(int)
	visit = func(cur int) {
		s := p.Step(cur)
		if s == nil {
			return
		}
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(n)
	return seen
}
