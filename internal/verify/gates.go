package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/swarm/internal/command"
	"github.com/Iron-Ham/swarm/internal/errors"
)

// CommandGateConfig configures a CommandGate.
type CommandGateConfig struct {
	ID      string
	Title   string
	Command string
	Parser  string
	Enabled bool
	Paths   []string
	Timeout time.Duration
	Retries int
}

// CommandGate runs a shell command in the step's worktree and interprets its
// output with a parser. A failing run is retried up to Retries times before
// the gate reports fail.
type CommandGate struct {
	cfg    CommandGateConfig
	exec   command.Executor
	parser Parser
	paths  []glob.Glob
}

// NewCommandGate compiles the gate's path filters and resolves its parser.
func NewCommandGate(cfg CommandGateConfig, exec command.Executor) (*CommandGate, error) {
	parser, err := ParserFor(cfg.Parser)
	if err != nil {
		return nil, fmt.Errorf("gate %s: %w", cfg.ID, err)
	}
	g := &CommandGate{cfg: cfg, exec: exec, parser: parser}
	for _, p := range cfg.Paths {
		compiled, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("gate %s: invalid path pattern %q: %w", cfg.ID, p, err)
		}
		g.paths = append(g.paths, compiled)
	}
	if g.cfg.Title == "" {
		g.cfg.Title = cfg.ID
	}
	return g, nil
}

func (g *CommandGate) ID() string { return g.cfg.ID }

func (g *CommandGate) Run(ctx context.Context, gc GateContext) GateResult {
	res := GateResult{ID: g.cfg.ID, Title: g.cfg.Title}

	if !g.cfg.Enabled {
		res.Status = StatusSkip
		res.Summary = "disabled"
		return res
	}
	if len(g.paths) > 0 && !g.matchesAny(gc.ChangedFiles) {
		res.Status = StatusSkip
		res.Summary = "no changed files match the gate's paths"
		return res
	}

	start := time.Now()
	maxAttempts := 1 + max(g.cfg.Retries, 0)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Stats.Attempts = attempt
		out := command.Shell(ctx, g.exec, g.cfg.Command, command.Options{
			Dir:     gc.Dir,
			Timeout: g.cfg.Timeout,
		})
		res.Stats.ExitCode = out.ExitCode

		if out.Error != nil {
			res.Status = StatusFail
			if errors.Is(out.Error, errors.ErrTimeout) {
				res.Summary = fmt.Sprintf("timeout after %s", g.cfg.Timeout)
			} else {
				res.Summary = out.Error.Error()
			}
			res.Issues = []Issue{{Gate: g.cfg.ID, Severity: "error", Message: res.Summary}}
		} else {
			parsed := g.parser.Parse(out.Output, out.ExitCode)
			res.Summary = parsed.Summary
			res.Issues = parsed.Issues
			for i := range res.Issues {
				res.Issues[i].Gate = g.cfg.ID
			}
			if out.ExitCode == 0 && parsed.Passed {
				res.Status = StatusPass
				res.Issues = nil
				break
			}
			res.Status = StatusFail
			if len(res.Issues) == 0 {
				res.Issues = []Issue{{Gate: g.cfg.ID, Severity: "error", Message: parsed.Summary}}
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	res.Stats.Duration = time.Since(start)
	return res
}

func (g *CommandGate) matchesAny(files []string) bool {
	for _, f := range files {
		f = filepath.ToSlash(f)
		for _, p := range g.paths {
			if p.Match(f) {
				return true
			}
		}
	}
	return false
}

// ExpectedOutputsGate checks that every declared expected output exists in
// the worktree. Steps without expected outputs skip.
type ExpectedOutputsGate struct{}

func (ExpectedOutputsGate) ID() string { return "expected-outputs" }

func (g ExpectedOutputsGate) Run(_ context.Context, gc GateContext) GateResult {
	res := GateResult{ID: g.ID(), Title: "Expected outputs", Stats: GateStats{Attempts: 1}}
	if len(gc.Step.ExpectedOutputs) == 0 {
		res.Status = StatusSkip
		res.Summary = "step declares no expected outputs"
		return res
	}
	for _, out := range gc.Step.ExpectedOutputs {
		if _, err := os.Stat(filepath.Join(gc.Dir, out)); err != nil {
			res.Issues = append(res.Issues, Issue{
				Gate:     g.ID(),
				Severity: "error",
				File:     out,
				Message:  "expected output is missing",
			})
		}
	}
	if len(res.Issues) > 0 {
		res.Status = StatusFail
		res.Summary = fmt.Sprintf("%d of %d expected outputs missing", len(res.Issues), len(gc.Step.ExpectedOutputs))
	} else {
		res.Status = StatusPass
		res.Summary = "all expected outputs present"
	}
	return res
}

// CommitsGate fails when the execution produced no commits.
type CommitsGate struct{}

func (CommitsGate) ID() string { return "commits" }

func (g CommitsGate) Run(_ context.Context, gc GateContext) GateResult {
	res := GateResult{ID: g.ID(), Title: "Commits produced", Stats: GateStats{Attempts: 1}}
	if len(gc.Commits) == 0 {
		res.Status = StatusFail
		res.Summary = "execution produced no commits"
		res.Issues = []Issue{{Gate: g.ID(), Severity: "error", Message: res.Summary}}
		return res
	}
	res.Status = StatusPass
	res.Summary = fmt.Sprintf("%d commits", len(gc.Commits))
	return res
}
