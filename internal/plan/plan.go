// Package plan defines the work plan: a directed acyclic graph of steps keyed
// by step number. Plans are pure data; scheduling lives in package graph.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/swarm/internal/errors"
)

// StepOrigin records why a step exists in the current revision.
type StepOrigin string

const (
	// OriginPlan marks steps from the submitted plan.
	OriginPlan StepOrigin = "plan"
	// OriginRework marks steps whose task was rewritten by a replan.
	OriginRework StepOrigin = "rework"
	// OriginRemediation marks steps inserted by a replan to fix another step.
	OriginRemediation StepOrigin = "remediation"
)

// Step is one unit of delegated work.
type Step struct {
	// StepNumber is the unique positive key of the step within its plan.
	StepNumber int `json:"stepNumber" yaml:"stepNumber"`
	// AgentName must resolve to a registered agent profile.
	AgentName string `json:"agentName" yaml:"agentName"`
	// Task is the work description handed to the executor.
	Task string `json:"task" yaml:"task"`
	// Dependencies are step numbers that must be verified before this step starts.
	Dependencies []int `json:"dependencies" yaml:"dependencies"`
	// ExpectedOutputs are paths, relative to the worktree, the step should produce.
	ExpectedOutputs []string `json:"expectedOutputs" yaml:"expectedOutputs"`
	// Origin is empty for steps from the submitted plan.
	Origin StepOrigin `json:"origin,omitempty" yaml:"origin,omitempty"`
}

// Plan is the DAG of steps for one run.
type Plan struct {
	Goal      string    `json:"goal" yaml:"goal"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	Steps     []Step    `json:"steps" yaml:"steps"`
	// Revision starts at 0 and is incremented by every replan.
	Revision int `json:"revision" yaml:"revision"`
	// Deploy requests the optional deployment step after a successful run.
	Deploy bool `json:"deploy,omitempty" yaml:"deploy,omitempty"`
}

// Step returns the step with the given number, or nil.
func (p *Plan) Step(n int) *Step {
	if p == nil {
		return nil
	}
	for i := range p.Steps {
		if p.Steps[i].StepNumber == n {
			return &p.Steps[i]
		}
	}
	return nil
}

// StepNumbers returns every step number in ascending order.
func (p *Plan) StepNumbers() []int {
	nums := make([]int, 0, len(p.Steps))
	for _, s := range p.Steps {
		nums = append(nums, s.StepNumber)
	}
	slices.Sort(nums)
	return nums
}

// NextStepNumber returns one more than the highest step number in use.
func (p *Plan) NextStepNumber() int {
	highest := 0
	for _, s := range p.Steps {
		highest = max(highest, s.StepNumber)
	}
	return highest + 1
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	return &out
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	s.Dependencies = slices.Clone(s.Dependencies)
	s.ExpectedOutputs = slices.Clone(s.ExpectedOutputs)
	return s
}

// DependsOn reports whether the step lists dep as a direct dependency.
func (s Step) DependsOn(dep int) bool {
	return slices.Contains(s.Dependencies, dep)
}

// Load reads a plan from a JSON or YAML file, chosen by extension.
// A zero CreatedAt is set to the file's modification time.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	p, err := Parse(data, formatFor(path))
	if err != nil {
		return nil, errors.Wrapf(err, "parse plan %s", path)
	}
	if p.CreatedAt.IsZero() {
		if info, statErr := os.Stat(path); statErr == nil {
			p.CreatedAt = info.ModTime().UTC()
		}
	}
	return p, nil
}

// Parse decodes a plan. format is "json" or "yaml".
func Parse(data []byte, format string) (*Plan, error) {
	var p Plan
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, errors.NewPlanValidationError("invalid YAML", err)
		}
	default:
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, errors.NewPlanValidationError("invalid JSON", err)
		}
	}
	return &p, nil
}

// Save writes the plan to path as JSON or YAML, chosen by extension.
func (p *Plan) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if formatFor(path) == "yaml" {
		data, err = yaml.Marshal(p)
	} else {
		data, err = json.MarshalIndent(p, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create plan dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func formatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}
