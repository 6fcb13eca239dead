// Package session carries a single step through one execution attempt.
//
// A Session allocates the step's isolated branch, composes the task from the
// agent profile and preferences, delegates it to the executor, and records
// what happened. It never verifies: a successful attempt ends in the
// verifying state and the caller hands it to the verification engine.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Iron-Ham/swarm/internal/agent"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/executor"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/plan"
	"github.com/Iron-Ham/swarm/internal/retry"
	"github.com/Iron-Ham/swarm/internal/runstate"
	"github.com/Iron-Ham/swarm/internal/worktree"
)

// Workspaces is the subset of the worktree manager a session needs.
type Workspaces interface {
	BaseBranchName(runID string) string
	CreateAgentBranch(ctx context.Context, runID string, step int) (worktree.Workspace, error)
	CommitAll(ctx context.Context, dir, message string) (bool, error)
	CommitsBetween(ctx context.Context, dir, base, head string) ([]string, error)
}

// Recorder persists execution records.
type Recorder interface {
	SaveRecord(runID string, rec runstate.ExecutionRecord) error
}

// Config controls a Session.
type Config struct {
	// Timeout bounds one executor invocation. Zero defers to the executor.
	Timeout time.Duration
	// TranscriptLimit caps stored transcript bytes. Zero keeps everything.
	TranscriptLimit int
}

// Request identifies one attempt.
type Request struct {
	Run     *runstate.Run
	Step    plan.Step
	Attempt int
	// Extra is appended to the composed task, typically evidence from a
	// previous attempt or a human instruction.
	Extra string
}

// Session executes steps.
type Session struct {
	workspaces Workspaces
	agents     *agent.Registry
	prefs      agent.Preferences
	exec       executor.Executor
	recorder   Recorder
	retries    *retry.Manager
	cfg        Config
	logger     *logging.Logger
}

// Dependencies are a Session's collaborators.
type Dependencies struct {
	Workspaces  Workspaces
	Agents      *agent.Registry
	Preferences agent.Preferences
	Executor    executor.Executor
	Recorder    Recorder
	Retries     *retry.Manager
	Logger      *logging.Logger
}

// New creates a Session.
func New(deps Dependencies, cfg Config) *Session {
	prefs := deps.Preferences
	if prefs == nil {
		prefs = agent.NoPreferences{}
	}
	retries := deps.Retries
	if retries == nil {
		retries = retry.NewManager(retry.Policy{})
	}
	return &Session{
		workspaces: deps.Workspaces,
		agents:     deps.Agents,
		prefs:      prefs,
		exec:       deps.Executor,
		recorder:   deps.Recorder,
		retries:    retries,
		cfg:        cfg,
		logger:     logging.OrNop(deps.Logger).WithComponent("session"),
	}
}

// Retries returns the session's retry manager.
func (s *Session) Retries() *retry.Manager { return s.retries }

// Run performs one attempt. The returned record is failed or verifying; the
// error is non-nil only when the record could not be persisted.
func (s *Session) Run(ctx context.Context, req Request) (*runstate.ExecutionRecord, error) {
	runID := req.Run.ID()
	step := req.Step
	log := s.logger.WithRun(runID).WithStep(step.StepNumber).With("attempt", req.Attempt)

	rec := &runstate.ExecutionRecord{
		StepNumber: step.StepNumber,
		AgentName:  step.AgentName,
		Attempt:    req.Attempt,
		StartedAt:  time.Now(),
		Status:     runstate.RecordPending,
		CommitIDs:  []string{},
	}

	ws, err := s.workspaces.CreateAgentBranch(ctx, runID, step.StepNumber)
	if err != nil {
		log.Warn("failed to allocate branch", "error", err)
		return s.fail(req.Run, rec, fmt.Sprintf("allocate branch: %v", err))
	}
	rec.BranchName = ws.Branch
	rec.WorktreePath = ws.Path
	rec.Status = runstate.RecordRunning
	if err := s.save(req.Run, rec); err != nil {
		return rec, err
	}

	profile, err := s.agents.Resolve(step.AgentName)
	if err != nil {
		return s.fail(req.Run, rec, err.Error())
	}

	prompt := agent.ComposeTask(profile, s.prefs, step, req.Extra)
	log.Info("session started", "agent", step.AgentName, "branch", ws.Branch, "weight", s.prefs.Weight(step.AgentName))

	res := s.exec.Execute(ctx, executor.Task{
		Prompt:     prompt,
		Dir:        ws.Path,
		StepNumber: step.StepNumber,
		Agent:      step.AgentName,
		Timeout:    s.cfg.Timeout,
	})
	rec.Transcript = Truncate(res.Output, s.cfg.TranscriptLimit)
	rec.ExitCode = res.ExitCode
	rec.Degraded = res.Degraded
	rec.CostUSD = res.CostUSD

	if !res.Success {
		log.Warn("execution failed", "reason", res.Reason, "exit_code", res.ExitCode, "degraded", res.Degraded)
		return s.fail(req.Run, rec, res.Reason)
	}

	msg := fmt.Sprintf("swarm: step %d (%s)\n\n%s", step.StepNumber, step.AgentName, firstLine(step.Task))
	if _, err := s.workspaces.CommitAll(ctx, ws.Path, msg); err != nil {
		return s.fail(req.Run, rec, fmt.Sprintf("commit leftover changes: %v", err))
	}
	commits, err := s.workspaces.CommitsBetween(ctx, ws.Path, s.workspaces.BaseBranchName(runID), ws.Branch)
	if err != nil {
		return s.fail(req.Run, rec, fmt.Sprintf("collect commits: %v", err))
	}
	rec.CommitIDs = commits
	rec.Finish(runstate.RecordVerifying)
	log.Info("execution finished", "commits", len(commits), "duration_ms", res.Duration.Milliseconds())
	return rec, s.save(req.Run, rec)
}

// RunWithRetry runs attempts until one completes, the retry budget is spent,
// the collaborator is unavailable, or ctx ends. The final record has
// Exhausted set when the budget ran out.
func (s *Session) RunWithRetry(ctx context.Context, req Request) (*runstate.ExecutionRecord, error) {
	n := req.Step.StepNumber
	baseExtra := req.Extra
	for {
		attempt := s.retries.Begin(n)
		if attempt > 1 {
			if err := s.retries.Wait(ctx, attempt); err != nil {
				rec := &runstate.ExecutionRecord{
					StepNumber: n,
					AgentName:  req.Step.AgentName,
					Attempt:    attempt,
					StartedAt:  time.Now(),
					CommitIDs:  []string{},
				}
				return s.fail(req.Run, rec, errors.Join(errors.ErrCanceled, err).Error())
			}
		}

		req.Attempt = attempt
		rec, err := s.Run(ctx, req)
		if err != nil {
			return rec, err
		}
		if rec.Status == runstate.RecordVerifying {
			s.retries.RecordCommitCount(n, len(rec.CommitIDs))
			return rec, nil
		}

		s.retries.RecordFailure(n, rec.Error)
		failure := AttemptError(rec)
		if !errors.IsRetryable(failure) || ctx.Err() != nil {
			return rec, nil
		}
		if !s.retries.ShouldRetry(n) {
			rec.Exhausted = true
			s.logger.WithRun(req.Run.ID()).WithStep(n).Warn("retry budget exhausted",
				"attempts", attempt, "error", errors.Join(errors.ErrRetriesExhausted, failure))
			return rec, s.save(req.Run, rec)
		}
		req.Extra = strings.TrimSpace(baseExtra + "\n\n" + retryContext(rec))
	}
}

// AttemptError describes a failed record as an execution error. A degraded
// executor is neither retryable nor survivable by the run.
func AttemptError(rec *runstate.ExecutionRecord) *errors.ExecutionError {
	cause := errors.ErrStepFailed
	if rec.Degraded {
		cause = errors.ErrExecutorUnavailable
	}
	err := errors.NewExecutionError(rec.Error, cause).
		WithStep(rec.StepNumber).
		WithAttempt(rec.Attempt).
		WithExitCode(rec.ExitCode)
	if rec.Degraded {
		err = err.WithRetryable(false).WithSeverity(errors.SeverityCritical)
	}
	return err
}

func (s *Session) fail(run *runstate.Run, rec *runstate.ExecutionRecord, reason string) (*runstate.ExecutionRecord, error) {
	rec.Error = reason
	rec.Finish(runstate.RecordFailed)
	return rec, s.save(run, rec)
}

func (s *Session) save(run *runstate.Run, rec *runstate.ExecutionRecord) error {
	run.PutRecord(*rec)
	if s.recorder == nil {
		return nil
	}
	if err := s.recorder.SaveRecord(run.ID(), *rec); err != nil {
		return errors.Wrapf(err, "persist record for step %d attempt %d", rec.StepNumber, rec.Attempt)
	}
	return nil
}

// retryContext summarizes a failed attempt for the next one.
func retryContext(rec *runstate.ExecutionRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Attempt %d failed: %s\n", rec.Attempt, rec.Error)
	if tail := tailLines(rec.Transcript, 20); tail != "" {
		sb.WriteString("Last output:\n")
		sb.WriteString(tail)
	}
	return sb.String()
}

const truncationMarker = "\n...[%d bytes truncated]...\n"

// Truncate keeps the head and tail of s so that at most limit bytes of the
// original survive. Cuts never split a UTF-8 sequence, so slightly fewer
// bytes may be kept. A non-positive limit keeps everything.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	head := limit / 2
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tail := len(s) - (limit - limit/2)
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}
	return s[:head] + fmt.Sprintf(truncationMarker, tail-head) + s[tail:]
}

func tailLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
