// Package verify decides whether a completed step's output is acceptable.
//
// An Engine runs an ordered set of gates against the step's worktree. A gate
// that is disabled, or whose path filter matches none of the changed files,
// reports skip and contributes no issues. Any failing gate fails the whole
// report, and every gate's issues are aggregated as evidence for the
// conflict that follows.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/plan"
)

// Status is a gate or report outcome.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Issue is a single finding reported by a gate.
type Issue struct {
	Gate     string `json:"gate"`
	Severity string `json:"severity,omitempty"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Rule     string `json:"rule,omitempty"`
	Message  string `json:"message"`
}

// String renders the issue as one evidence line.
func (i Issue) String() string {
	loc := ""
	switch {
	case i.File != "" && i.Line > 0:
		loc = fmt.Sprintf("%s:%d: ", i.File, i.Line)
	case i.File != "":
		loc = i.File + ": "
	}
	return fmt.Sprintf("[%s] %s%s", i.Gate, loc, i.Message)
}

// GateStats describes how a gate ran.
type GateStats struct {
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	ExitCode int           `json:"exitCode"`
}

// GateResult is what a gate reports.
type GateResult struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Status  Status    `json:"status"`
	Summary string    `json:"summary,omitempty"`
	Issues  []Issue   `json:"issues,omitempty"`
	Stats   GateStats `json:"stats"`
}

// GateContext is everything a gate may inspect.
type GateContext struct {
	Step         plan.Step
	Attempt      int
	Dir          string
	BaseBranch   string
	Commits      []string
	ChangedFiles []string
}

// Gate is one automated check.
type Gate interface {
	ID() string
	Run(ctx context.Context, gc GateContext) GateResult
}

// ReportStats summarizes a report.
type ReportStats struct {
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Report is the verification outcome for one attempt of a step.
type Report struct {
	StepNumber int          `json:"stepNumber"`
	Attempt    int          `json:"attempt"`
	Status     Status       `json:"status"`
	Issues     []Issue      `json:"issues"`
	Gates      []GateResult `json:"gates"`
	Stats      ReportStats  `json:"stats"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// Accepted reports whether the step may be treated as verified. A report in
// which every gate skipped is accepted.
func (r Report) Accepted() bool {
	return r.Status == StatusPass || r.Status == StatusSkip
}

// FailedReport is the report for an attempt whose gates could not run at
// all. The synthetic gate id carries the reason as its only issue.
func FailedReport(gc GateContext, gateID, reason string) Report {
	now := time.Now()
	issue := Issue{Gate: gateID, Severity: "error", Message: reason}
	return Report{
		StepNumber: gc.Step.StepNumber,
		Attempt:    gc.Attempt,
		Status:     StatusFail,
		Issues:     []Issue{issue},
		Gates: []GateResult{{
			ID:     gateID,
			Title:  gateID,
			Status: StatusFail,
			Issues: []Issue{issue},
		}},
		Stats:      ReportStats{Failed: 1},
		StartedAt:  now,
		FinishedAt: now,
	}
}

// Evidence lists the failing gates' summaries followed by every issue.
func (r Report) Evidence() []string {
	var out []string
	for _, g := range r.Gates {
		if g.Status == StatusFail && g.Summary != "" {
			out = append(out, fmt.Sprintf("gate %s failed: %s", g.ID, g.Summary))
		}
	}
	for _, i := range r.Issues {
		out = append(out, i.String())
	}
	return out
}

// Engine runs gates in order.
type Engine struct {
	gates  []Gate
	logger *logging.Logger
}

// NewEngine creates an Engine over gates.
func NewEngine(gates []Gate, logger *logging.Logger) *Engine {
	return &Engine{gates: gates, logger: logging.OrNop(logger).WithComponent("verify")}
}

// Gates returns the engine's gates.
func (e *Engine) Gates() []Gate { return e.gates }

// Verify runs every gate against gc. All gates run even after a failure so
// the evidence is complete.
func (e *Engine) Verify(ctx context.Context, gc GateContext) Report {
	log := e.logger.WithStep(gc.Step.StepNumber)
	report := Report{
		StepNumber: gc.Step.StepNumber,
		Attempt:    gc.Attempt,
		Issues:     []Issue{},
		StartedAt:  time.Now(),
	}

	for _, g := range e.gates {
		if ctx.Err() != nil {
			report.Gates = append(report.Gates, GateResult{
				ID:      g.ID(),
				Status:  StatusFail,
				Summary: "verification canceled",
				Issues:  []Issue{{Gate: g.ID(), Message: "verification canceled before the gate ran"}},
			})
			report.Issues = append(report.Issues, report.Gates[len(report.Gates)-1].Issues...)
			report.Stats.Failed++
			continue
		}

		res := g.Run(ctx, gc)
		if res.ID == "" {
			res.ID = g.ID()
		}
		report.Gates = append(report.Gates, res)
		switch res.Status {
		case StatusPass:
			report.Stats.Passed++
		case StatusSkip:
			report.Stats.Skipped++
		default:
			report.Stats.Failed++
			report.Issues = append(report.Issues, res.Issues...)
		}
		log.Debug("gate finished", "gate", res.ID, "status", string(res.Status), "attempts", res.Stats.Attempts)
	}

	switch {
	case report.Stats.Failed > 0:
		report.Status = StatusFail
	case report.Stats.Passed > 0:
		report.Status = StatusPass
	default:
		report.Status = StatusSkip
	}
	report.FinishedAt = time.Now()
	report.Stats.Duration = report.FinishedAt.Sub(report.StartedAt)

	log.Info("verification finished",
		"status", string(report.Status),
		"passed", report.Stats.Passed,
		"failed", report.Stats.Failed,
		"skipped", report.Stats.Skipped,
		"issues", len(report.Issues),
	)
	return report
}
