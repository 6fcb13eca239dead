// Package orchestrator drives a plan to completion wave by wave.
//
// A run moves from planning through scheduling into wave execution. The
// steps of a wave run concurrently, each in its own branch, and each is
// verified as soon as its execution finishes. Once the whole wave has
// settled, accepted branches are merged into the run's base branch in
// ascending step order. Failures become conflicts that are resolved by a
// human or by policy before the next wave starts; rejections are replanned.
// Every transition is persisted so an interrupted run can be resumed.
package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/swarm/internal/agent"
	"github.com/Iron-Ham/swarm/internal/analytics"
	"github.com/Iron-Ham/swarm/internal/config"
	"github.com/Iron-Ham/swarm/internal/conflict"
	"github.com/Iron-Ham/swarm/internal/deploy"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/executor"
	"github.com/Iron-Ham/swarm/internal/graph"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/plan"
	"github.com/Iron-Ham/swarm/internal/replan"
	"github.com/Iron-Ham/swarm/internal/retry"
	"github.com/Iron-Ham/swarm/internal/runstate"
	"github.com/Iron-Ham/swarm/internal/session"
	"github.com/Iron-Ham/swarm/internal/verify"
	"github.com/Iron-Ham/swarm/internal/worktree"
)

// Conflict policies.
const (
	PolicyManual  = "manual"
	PolicyApprove = "approve"
	PolicyReject  = "reject"
)

// policyActor is recorded as the resolver of conflicts settled by policy.
const policyActor = "policy"

// Workspaces is the git surface the orchestrator needs.
type Workspaces interface {
	session.Workspaces
	conflict.Merger
	RepoDir() string
	EnsureBaseBranch(ctx context.Context, runID, from string) (worktree.Workspace, error)
	ResetAgentBranch(ctx context.Context, runID string, step int) (worktree.Workspace, error)
	ChangedFiles(ctx context.Context, dir, base string) ([]string, error)
}

// Config controls an Orchestrator.
type Config struct {
	MaxParallel int
	HaltOnFatal bool
	Retry       retry.Policy

	// SourceBranch seeds the base branch of new runs. Empty means the
	// repository's current branch.
	SourceBranch string

	ExecutorTimeout time.Duration
	TranscriptLimit int

	Policy       string
	PollInterval time.Duration
	// WaitTimeout bounds how long pending conflicts are awaited under the
	// manual policy. Zero waits until the context ends.
	WaitTimeout   time.Duration
	WatchOverlaps bool
	MergeStrategy string

	AutoRework bool
	// MaxRequeues caps how often one step is sent back for another round,
	// by an approved plan conflict or a replan.
	MaxRequeues int

	Deploy        bool
	HistoryWindow int
}

// FromConfig maps the loaded configuration onto orchestrator settings.
func FromConfig(cfg *config.Config) Config {
	return Config{
		MaxParallel: cfg.Swarm.MaxParallel,
		HaltOnFatal: cfg.Swarm.HaltOnFatal,
		Retry: retry.Policy{
			MaxRetries: cfg.Swarm.MaxStepRetries,
			BaseDelay:  cfg.Swarm.RetryBackoff,
			MaxDelay:   cfg.Swarm.RetryBackoffMax,
		},
		SourceBranch:    cfg.Swarm.BaseBranch,
		ExecutorTimeout: cfg.Executor.Timeout,
		TranscriptLimit: cfg.Executor.TranscriptLimit,
		Policy:          cfg.Conflicts.Policy,
		PollInterval:    cfg.Conflicts.PollInterval,
		WaitTimeout:     cfg.Conflicts.WaitTimeout,
		WatchOverlaps:   cfg.Conflicts.WatchOverlaps,
		MergeStrategy:   cfg.Conflicts.MergeStrategy,
		AutoRework:      cfg.Replan.AutoRework,
		Deploy:          cfg.Deploy.Enabled,
		HistoryWindow:   cfg.Analytics.HistoryWindow,
	}
}

// Dependencies are an Orchestrator's collaborators. Store, Workspaces,
// Agents and Executor are required.
type Dependencies struct {
	Store       *runstate.Store
	Workspaces  Workspaces
	Agents      *agent.Registry
	Preferences agent.Preferences
	Executor    executor.Executor
	Verifier    *verify.Engine
	Deployer    deploy.Deployer
	Analytics   analytics.Sink
	Bus         *event.Bus
	Logger      *logging.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithIDGenerator replaces the run id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// Orchestrator runs plans. It holds no per-run state and may drive several
// runs one after another.
type Orchestrator struct {
	store      *runstate.Store
	workspaces Workspaces
	agents     *agent.Registry
	prefs      agent.Preferences
	executor   executor.Executor
	verifier   *verify.Engine
	deployer   deploy.Deployer
	sink       analytics.Sink
	bus        *event.Bus
	merger     conflict.MergeStrategy
	replanner  *replan.Replanner
	cfg        Config
	logger     *logging.Logger
	newID      func() string
}

// New creates an Orchestrator.
func New(deps Dependencies, cfg Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.NewValidationError("run store is required").WithField("store")
	case deps.Workspaces == nil:
		return nil, errors.NewValidationError("workspaces are required").WithField("workspaces")
	case deps.Agents == nil:
		return nil, errors.NewValidationError("agent registry is required").WithField("agents")
	case deps.Executor == nil:
		return nil, errors.NewValidationError("executor is required").WithField("executor")
	}

	if cfg.Policy == "" {
		cfg.Policy = PolicyManual
	}
	switch cfg.Policy {
	case PolicyManual, PolicyApprove, PolicyReject:
	default:
		return nil, errors.NewValidationError("unknown conflict policy").WithField("policy").WithValue(cfg.Policy)
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxRequeues <= 0 {
		cfg.MaxRequeues = 3
	}

	merger, err := conflict.NewMergeStrategy(cfg.MergeStrategy, deps.Workspaces)
	if err != nil {
		return nil, err
	}

	logger := logging.OrNop(deps.Logger)
	o := &Orchestrator{
		store:      deps.Store,
		workspaces: deps.Workspaces,
		agents:     deps.Agents,
		prefs:      deps.Preferences,
		executor:   deps.Executor,
		verifier:   deps.Verifier,
		deployer:   deps.Deployer,
		sink:       deps.Analytics,
		bus:        deps.Bus,
		merger:     merger,
		replanner:  replan.New(replan.Config{AutoRework: cfg.AutoRework}, deps.Agents, logger),
		cfg:        cfg,
		logger:     logger.WithComponent("orchestrator"),
		newID:      uuid.NewString,
	}
	if o.verifier == nil {
		o.verifier = verify.NewEngine(nil, logger)
	}
	if o.sink == nil {
		o.sink = analytics.NopSink{}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// outcome is how a run stopped.
type outcome struct {
	status runstate.Status
	phase  runstate.Phase
	reason string
}

func blocked(reason string) *outcome {
	return &outcome{status: runstate.StatusBlocked, phase: runstate.PhaseBlocked, reason: reason}
}

func halted(reason string) *outcome {
	return &outcome{status: runstate.StatusHalted, phase: runstate.PhaseHalted, reason: reason}
}

// runCtx is the per-run working set.
type runCtx struct {
	run      *runstate.Run
	resolver *conflict.Resolver
	session  *session.Session
	retries  *retry.Manager
	log      *logging.Logger
	started  time.Time

	waves    int
	requeues map[int]int
	passed   atomic.Int64
	failed   atomic.Int64
	deployed bool
}

// Run validates p and drives it to a terminal state. Validation errors are
// returned before anything executes. Afterwards the only error returned is a
// persistence failure; every other outcome is reported through the run's
// status.
func (o *Orchestrator) Run(ctx context.Context, p *plan.Plan) (*runstate.Run, error) {
	if p == nil {
		return nil, errors.NewValidationError("plan is required").WithField("plan")
	}
	if err := plan.Validate(p, o.agents).Err(); err != nil {
		return nil, err
	}
	if _, err := graph.Build(p); err != nil {
		return nil, err
	}

	id := o.newID()
	log := o.logger.WithRun(id)
	lock, err := runstate.AcquireLock(o.store.RunDir(id), id, o.logger)
	if err != nil {
		return nil, errors.NewStorageError("failed to lock run", err).WithPath(o.store.RunDir(id))
	}
	defer o.release(lock, log)

	snapshot := p.Clone()
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now()
	}
	run := runstate.New(id, snapshot)
	if err := o.store.SavePlan(id, snapshot); err != nil {
		return run, err
	}
	if err := o.store.SaveRun(run); err != nil {
		return run, err
	}
	log.Info("run created", "goal", p.Goal, "steps", len(p.Steps))

	base, err := o.workspaces.EnsureBaseBranch(ctx, id, o.cfg.SourceBranch)
	if err != nil {
		log.Error("failed to create base branch", "error", err)
		run.Finish(runstate.StatusFailed, runstate.PhasePlanning, err.Error())
		return run, o.store.SaveRun(run)
	}
	run.Update(func(i *runstate.Info) {
		i.SourceBranch = o.cfg.SourceBranch
		i.BaseBranch = base.Branch
		i.BaseDir = base.Path
		i.RepoDir = o.workspaces.RepoDir()
	})
	return o.drive(ctx, run, false)
}

// Resume continues a run from its persisted state. Verified steps are not
// executed again and conflicts resolved while the run was stopped are acted
// on first. A run that is already done is returned unchanged.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*runstate.Run, error) {
	run, err := o.store.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	info := run.Snapshot()
	if info.Status == runstate.StatusDone {
		return run, nil
	}

	log := o.logger.WithRun(runID)
	lock, err := runstate.AcquireLock(o.store.RunDir(runID), runID, o.logger)
	if err != nil {
		return nil, errors.NewStorageError("failed to lock run", err).WithPath(o.store.RunDir(runID))
	}
	defer o.release(lock, log)

	base, err := o.workspaces.EnsureBaseBranch(ctx, runID, info.SourceBranch)
	if err != nil {
		log.Error("failed to restore base branch", "error", err)
		run.Finish(runstate.StatusFailed, info.Phase, err.Error())
		return run, o.store.SaveRun(run)
	}
	run.Update(func(i *runstate.Info) {
		i.Status = runstate.StatusRunning
		i.Error = ""
		i.FinishedAt = nil
		i.BaseBranch = base.Branch
		i.BaseDir = base.Path
	})
	log.Info("resuming run", "phase", string(info.Phase), "verified", len(info.Verified))
	return o.drive(ctx, run, true)
}

func (o *Orchestrator) drive(ctx context.Context, run *runstate.Run, resumed bool) (*runstate.Run, error) {
	id := run.ID()
	log := o.logger.WithRun(id)

	resolver, err := conflict.Open(o.store.RunDir(id), o.logger.WithRun(id))
	if err != nil {
		return o.abort(run, log, err)
	}

	retries := retry.NewManager(o.cfg.Retry)
	if resumed {
		seedRetries(retries, run)
	}
	st := &runCtx{
		run:      run,
		resolver: resolver,
		retries:  retries,
		log:      log,
		started:  time.Now(),
		requeues: make(map[int]int),
		session: session.New(session.Dependencies{
			Workspaces:  o.workspaces,
			Agents:      o.agents,
			Preferences: o.prefs,
			Executor:    o.executor,
			Recorder:    o.store,
			Retries:     retries,
			Logger:      o.logger,
		}, session.Config{
			Timeout:         o.cfg.ExecutorTimeout,
			TranscriptLimit: o.cfg.TranscriptLimit,
		}),
	}

	p := run.Plan()
	waves, _ := graph.IdentifyExecutionWaves(p, run.VerifiedSet())
	o.bus.Publish(event.NewRunStartedEvent(id, p.Goal, len(p.Steps), waves, resumed))

	var out *outcome
	if caps := o.executor.CheckCapabilities(ctx); !caps.Available {
		log.Warn("executor unavailable", "reason", caps.Reason)
		if o.cfg.HaltOnFatal {
			out = halted("executor unavailable: " + caps.Reason)
		}
	}
	if out == nil {
		out, err = o.loop(ctx, st)
		if err != nil {
			return o.abort(run, log, err)
		}
	}
	return run, o.finish(ctx, st, *out)
}

// loop schedules and executes waves until the run reaches a terminal state.
func (o *Orchestrator) loop(ctx context.Context, st *runCtx) (*outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return halted("canceled: " + err.Error()), nil
		}
		if out, err := o.settle(ctx, st); out != nil || err != nil {
			return out, err
		}

		if err := o.transition(st, runstate.PhaseScheduling); err != nil {
			return nil, err
		}
		waves, err := graph.IdentifyExecutionWaves(st.run.Plan(), st.run.VerifiedSet())
		if err != nil {
			return blocked(err.Error()), nil
		}
		if len(waves) == 0 {
			return &outcome{status: runstate.StatusDone, phase: runstate.PhaseDone}, nil
		}
		st.run.SetWaves(waves)
		st.log.Info("waves scheduled", "waves", len(waves), "revision", st.run.Snapshot().Revision)

		for i, steps := range waves {
			st.run.Update(func(info *runstate.Info) { info.CurrentWave = i })
			res, err := o.executeWave(ctx, st, steps, len(waves))
			if err != nil {
				return nil, errors.NewOrchestratorError("wave aborted", err).
					WithRunID(st.run.ID()).
					WithWave(st.waves).
					WithPhase(string(st.run.Snapshot().Phase))
			}
			if res.fatal != "" && o.cfg.HaltOnFatal {
				return halted(res.fatal), nil
			}
			// Any escalation or failure invalidates the rest of this schedule.
			if res.escalated || ctx.Err() != nil {
				break
			}
		}
	}
}

// transition moves the run to phase and persists it.
func (o *Orchestrator) transition(st *runCtx, phase runstate.Phase) error {
	st.run.SetPhase(phase)
	st.log.Debug("phase changed", "phase", string(phase))
	return o.store.SaveRun(st.run)
}

// finish records a terminal outcome, deploys a successful run and reports
// the run to the metrics sink.
func (o *Orchestrator) finish(ctx context.Context, st *runCtx, out outcome) error {
	if out.status == runstate.StatusDone {
		o.deploy(ctx, st)
	}
	st.run.Finish(out.status, out.phase, out.reason)
	err := o.store.SaveRun(st.run)

	info := st.run.Snapshot()
	o.report(ctx, st)
	o.bus.Publish(event.NewRunFinishedEvent(info.ID, string(info.Status), len(info.Verified), time.Since(st.started), out.reason))

	if out.status == runstate.StatusDone {
		st.log.Info("run finished", "status", string(out.status), "verified", len(info.Verified), "replans", info.Replans)
	} else {
		st.log.Warn("run stopped", "status", string(out.status), "reason", out.reason)
	}
	return err
}

// abort records a persistence failure, the one condition that ends Run
// with an error.
func (o *Orchestrator) abort(run *runstate.Run, log *logging.Logger, err error) (*runstate.Run, error) {
	log.Error("run aborted", "error", err)
	run.Finish(runstate.StatusFailed, run.Snapshot().Phase, err.Error())
	if saveErr := o.store.SaveRun(run); saveErr != nil {
		log.Error("failed to persist aborted run", "error", saveErr)
	}
	o.bus.Publish(event.NewRunFinishedEvent(run.ID(), string(runstate.StatusFailed), len(run.Snapshot().Verified), 0, err.Error()))
	return run, err
}

func (o *Orchestrator) release(lock *runstate.Lock, log *logging.Logger) {
	if err := lock.Release(); err != nil {
		log.Warn("failed to release run lock", "error", err)
	}
}

// seedRetries restores attempt counts so a resumed run keeps numbering
// attempts where the previous process stopped.
func seedRetries(m *retry.Manager, run *runstate.Run) {
	failures := make(map[int]int)
	attempts := make(map[int]int)
	for _, rec := range run.Records() {
		attempts[rec.StepNumber] = max(attempts[rec.StepNumber], rec.Attempt)
		if rec.Status == runstate.RecordFailed || rec.Status == runstate.RecordBlocked {
			failures[rec.StepNumber]++
		}
	}
	for step, n := range attempts {
		if !run.IsVerified(step) {
			m.Resume(step, n, failures[step])
		}
	}
}
