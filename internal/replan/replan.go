// Package replan revises the unverified part of a plan after a step is
// rejected or runs out of retries.
//
// The human's resolution note selects the revision:
//
//	drop                         remove the step; dependents inherit its dependencies
//	remediate: <task>            insert a fix-up step the failing step waits for
//	remediate: @<agent> <task>   same, run by a specific agent
//	anything else                rework: the note replaces the step's task
//
// An empty note reworks the step with its evidence when auto-rework is
// enabled and is an impasse otherwise. Verified steps are never removed,
// renumbered, or modified; a revision that would touch one is an impasse.
package replan

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/swarm/internal/conflict"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/graph"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/plan"
)

// Reason is why a replan was requested.
type Reason string

const (
	ReasonRejected  Reason = "rejected"
	ReasonExhausted Reason = "exhausted"
)

// Kind is the revision applied.
type Kind string

const (
	KindDrop      Kind = "drop"
	KindRemediate Kind = "remediate"
	KindRework    Kind = "rework"
)

// Request describes the failure to plan around.
type Request struct {
	Plan     *plan.Plan
	Verified map[int]bool
	Step     int
	// Conflict is the resolved conflict, if any. Its Note carries the directive.
	Conflict *conflict.Conflict
	Evidence []string
	Reason   Reason
}

// Change summarizes a revision.
type Change struct {
	Kind     Kind `json:"kind"`
	Step     int  `json:"step"`
	Revision int  `json:"revision"`
	// Inserted is the remediation step number, or 0.
	Inserted int `json:"inserted,omitempty"`
	// Requeue lists the steps whose work must be redone, ascending.
	Requeue []int `json:"requeue"`
	// Rewired lists steps whose dependencies changed, ascending.
	Rewired []int  `json:"rewired,omitempty"`
	Summary string `json:"summary"`
}

// Config controls replanning.
type Config struct {
	// AutoRework reworks a step with its evidence when no instruction was given.
	AutoRework bool
}

// Replanner produces revised plans.
type Replanner struct {
	cfg    Config
	agents plan.AgentResolver
	logger *logging.Logger
}

// New creates a Replanner. agents may be nil to skip agent resolution.
func New(cfg Config, agents plan.AgentResolver, logger *logging.Logger) *Replanner {
	return &Replanner{cfg: cfg, agents: agents, logger: logging.OrNop(logger).WithComponent("replan")}
}

type directive struct {
	kind        Kind
	instruction string
	agent       string
}

func parseDirective(note string) (directive, bool) {
	note = strings.TrimSpace(note)
	if note == "" {
		return directive{}, false
	}
	if strings.EqualFold(note, "drop") {
		return directive{kind: KindDrop}, true
	}
	if head, rest, ok := strings.Cut(note, ":"); ok && strings.EqualFold(strings.TrimSpace(head), "remediate") {
		d := directive{kind: KindRemediate, instruction: strings.TrimSpace(rest)}
		if strings.HasPrefix(d.instruction, "@") {
			name, task, _ := strings.Cut(d.instruction[1:], " ")
			d.agent = name
			d.instruction = strings.TrimSpace(task)
		}
		return d, true
	}
	return directive{kind: KindRework, instruction: note}, true
}

// Replan returns a revised copy of req.Plan. The input plan is not modified.
// Errors matching errors.ErrReplanImpasse mean no viable revision exists and
// the run should block.
func (r *Replanner) Replan(req Request) (*plan.Plan, Change, error) {
	if req.Plan == nil {
		return nil, Change{}, errors.NewValidationError("plan is required").WithField("plan")
	}
	failing := req.Plan.Step(req.Step)
	if failing == nil {
		return nil, Change{}, errors.NewNotFoundError("step", fmt.Sprint(req.Step)).WithCause(errors.ErrUnknownStep)
	}
	if req.Verified[req.Step] {
		return nil, Change{}, impasse(req.Step, "step is already verified", nil)
	}

	note := ""
	if req.Conflict != nil {
		note = req.Conflict.Note
	}
	d, ok := parseDirective(note)
	if !ok {
		if !r.cfg.AutoRework {
			return nil, Change{}, impasse(req.Step, fmt.Sprintf("%s without an instruction", req.Reason), nil)
		}
		d = directive{kind: KindRework}
	}

	next := req.Plan.Clone()
	change := Change{Kind: d.kind, Step: req.Step}

	var err error
	switch d.kind {
	case KindDrop:
		err = drop(next, req, &change)
	case KindRemediate:
		err = remediate(next, req, d, &change)
	default:
		rework(next, req, d, &change)
	}
	if err != nil {
		return nil, Change{}, err
	}

	if err := preserved(req.Plan, next, req.Verified); err != nil {
		return nil, Change{}, impasse(req.Step, "revision would modify verified work", err)
	}
	if err := plan.Validate(next, r.agents).Err(); err != nil {
		return nil, Change{}, impasse(req.Step, "revised plan is invalid", err)
	}
	if _, err := graph.Build(next); err != nil {
		return nil, Change{}, impasse(req.Step, "revised plan has a dependency cycle", err)
	}

	next.Revision = req.Plan.Revision + 1
	change.Revision = next.Revision
	slices.Sort(change.Requeue)
	slices.Sort(change.Rewired)

	r.logger.Info("plan revised",
		"step", req.Step,
		"kind", string(change.Kind),
		"reason", string(req.Reason),
		"revision", next.Revision,
		"inserted", change.Inserted,
	)
	return next, change, nil
}

func drop(p *plan.Plan, req Request, change *Change) error {
	failing := p.Step(req.Step).Clone()
	idx := slices.IndexFunc(p.Steps, func(s plan.Step) bool { return s.StepNumber == req.Step })
	p.Steps = slices.Delete(p.Steps, idx, idx+1)

	for i := range p.Steps {
		s := &p.Steps[i]
		if !s.DependsOn(req.Step) {
			continue
		}
		var deps []int
		for _, dep := range s.Dependencies {
			if dep == req.Step {
				for _, inherited := range failing.Dependencies {
					if !slices.Contains(deps, inherited) {
						deps = append(deps, inherited)
					}
				}
			} else if !slices.Contains(deps, dep) {
				deps = append(deps, dep)
			}
		}
		s.Dependencies = deps
		change.Rewired = append(change.Rewired, s.StepNumber)
	}
	change.Summary = fmt.Sprintf("dropped step %d", req.Step)
	return nil
}

func remediate(p *plan.Plan, req Request, d directive, change *Change) error {
	if d.instruction == "" {
		return impasse(req.Step, "remediation needs a task", nil)
	}
	failing := p.Step(req.Step)
	agentName := d.agent
	if agentName == "" {
		agentName = failing.AgentName
	}

	fix := plan.Step{
		StepNumber:      p.NextStepNumber(),
		AgentName:       agentName,
		Task:            composeTask(d.instruction, failing.Task, req.Evidence),
		Dependencies:    slices.Clone(failing.Dependencies),
		ExpectedOutputs: []string{},
		Origin:          plan.OriginRemediation,
	}
	if fix.Dependencies == nil {
		fix.Dependencies = []int{}
	}

	failing.Dependencies = append(failing.Dependencies, fix.StepNumber)
	failing.Task = withEvidence(failing.Task, req.Evidence)
	change.Rewired = append(change.Rewired, failing.StepNumber)

	for i := range p.Steps {
		s := &p.Steps[i]
		if s.DependsOn(req.Step) && !req.Verified[s.StepNumber] && !s.DependsOn(fix.StepNumber) {
			s.Dependencies = append(s.Dependencies, fix.StepNumber)
			change.Rewired = append(change.Rewired, s.StepNumber)
		}
	}
	p.Steps = append(p.Steps, fix)

	change.Inserted = fix.StepNumber
	change.Requeue = []int{req.Step, fix.StepNumber}
	change.Summary = fmt.Sprintf("inserted remediation step %d (%s) before step %d", fix.StepNumber, agentName, req.Step)
	return nil
}

func rework(p *plan.Plan, req Request, d directive, change *Change) {
	s := p.Step(req.Step)
	if d.instruction == "" {
		s.Task = withEvidence(s.Task, req.Evidence)
	} else {
		s.Task = composeTask(d.instruction, s.Task, req.Evidence)
	}
	s.Origin = plan.OriginRework
	change.Requeue = []int{req.Step}
	change.Summary = fmt.Sprintf("reworked step %d", req.Step)
}

// composeTask puts instruction first and keeps the previous task and its
// evidence as context.
func composeTask(instruction, previous string, evidence []string) string {
	var sb strings.Builder
	sb.WriteString(instruction)
	sb.WriteString("\n\n## Previous Task\n")
	sb.WriteString(previous)
	if len(evidence) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(formatEvidence(evidence))
	}
	return sb.String()
}

func withEvidence(task string, evidence []string) string {
	if len(evidence) == 0 {
		return task
	}
	return task + "\n\n" + formatEvidence(evidence)
}

func formatEvidence(evidence []string) string {
	var sb strings.Builder
	sb.WriteString("## Issues to Address\n")
	for i, e := range evidence {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, e)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// preserved checks that every verified step of before is present and
// unchanged in after.
func preserved(before, after *plan.Plan, verified map[int]bool) error {
	for n, ok := range verified {
		if !ok {
			continue
		}
		was := before.Step(n)
		if was == nil {
			continue
		}
		now := after.Step(n)
		if now == nil {
			return fmt.Errorf("verified step %d removed", n)
		}
		if now.AgentName != was.AgentName || now.Task != was.Task || now.Origin != was.Origin ||
			!slices.Equal(now.Dependencies, was.Dependencies) ||
			!slices.Equal(now.ExpectedOutputs, was.ExpectedOutputs) {
			return fmt.Errorf("verified step %d modified", n)
		}
	}
	return nil
}

func impasse(step int, msg string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: step %d: %s: %w", errors.ErrReplanImpasse, step, msg, cause)
	}
	return fmt.Errorf("%w: step %d: %s", errors.ErrReplanImpasse, step, msg)
}
