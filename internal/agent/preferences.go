package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/swarm/internal/plan"
)

// Preferences supplies text that is prepended to an agent's instructions and an
// optional per-agent priority weight. Implementations are read-only during a run.
type Preferences interface {
	Instructions(agentName string) string
	Weight(agentName string) float64
}

// NoPreferences adds nothing and weighs every agent equally.
type NoPreferences struct{}

func (NoPreferences) Instructions(string) string { return "" }
func (NoPreferences) Weight(string) float64      { return 1 }

type agentPreference struct {
	Prefix string  `yaml:"prefix"`
	Weight float64 `yaml:"weight"`
}

// FilePreferences holds preferences loaded from YAML:
//
//	global: "Prefer small commits."
//	agents:
//	  tester:
//	    prefix: "Use table-driven tests."
//	    weight: 2
type FilePreferences struct {
	Global string                     `yaml:"global"`
	Agents map[string]agentPreference `yaml:"agents"`
}

// LoadPreferences reads a preferences file. An empty path returns NoPreferences.
func LoadPreferences(path string) (Preferences, error) {
	if path == "" {
		return NoPreferences{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	var fp FilePreferences
	if err := yaml.Unmarshal(data, &fp); err != nil {
		return nil, fmt.Errorf("parse preferences %s: %w", path, err)
	}
	return &fp, nil
}

// Instructions returns the global prefix followed by the agent's own prefix.
func (f *FilePreferences) Instructions(agentName string) string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(f.Global); s != "" {
		parts = append(parts, s)
	}
	if ap, ok := f.Agents[agentName]; ok {
		if s := strings.TrimSpace(ap.Prefix); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// Weight returns the configured weight, or 1 when unset.
func (f *FilePreferences) Weight(agentName string) float64 {
	if ap, ok := f.Agents[agentName]; ok && ap.Weight > 0 {
		return ap.Weight
	}
	return 1
}

// ComposeTask builds the executor prompt for a step: preference text, profile
// instructions, the task itself, the expected outputs, and any extra context
// such as verification evidence from a previous attempt.
func ComposeTask(profile Profile, prefs Preferences, step plan.Step, extra string) string {
	if prefs == nil {
		prefs = NoPreferences{}
	}

	var sb strings.Builder
	if pre := prefs.Instructions(step.AgentName); pre != "" {
		sb.WriteString(pre)
		sb.WriteString("\n\n")
	}
	if profile.Instructions != "" {
		sb.WriteString(profile.Instructions)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "## Task (step %d)\n\n%s\n", step.StepNumber, strings.TrimSpace(step.Task))

	if len(step.ExpectedOutputs) > 0 {
		sb.WriteString("\n## Expected outputs\n\n")
		for _, out := range step.ExpectedOutputs {
			fmt.Fprintf(&sb, "- %s\n", out)
		}
	}
	if extra = strings.TrimSpace(extra); extra != "" {
		sb.WriteString("\n## Context from previous attempts\n\n")
		sb.WriteString(extra)
		sb.WriteString("\n")
	}
	sb.WriteString("\nCommit all of your changes before finishing.\n")
	return sb.String()
}
