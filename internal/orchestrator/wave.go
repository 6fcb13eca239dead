package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/swarm/internal/conflict"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/plan"
	"github.com/Iron-Ham/swarm/internal/runstate"
	"github.com/Iron-Ham/swarm/internal/session"
	"github.com/Iron-Ham/swarm/internal/verify"
)

// waveResult summarizes a finished wave.
type waveResult struct {
	// escalated is set when any step of the wave was not integrated.
	escalated bool
	// fatal describes the first unrecoverable collaborator failure.
	fatal string
}

// stepResult is what one step of a wave produced.
type stepResult struct {
	step     plan.Step
	record   *runstate.ExecutionRecord
	report   *verify.Report
	files    []string
	accepted bool
	err      error
}

func (r stepResult) fatal() bool {
	return r.record != nil && errors.IsFatal(session.AttemptError(r.record))
}

// executeWave runs steps concurrently, then merges the accepted ones and
// escalates the rest. It returns an error only when persistence fails.
func (o *Orchestrator) executeWave(ctx context.Context, st *runCtx, steps []int, total int) (waveResult, error) {
	st.waves++
	wave := st.waves
	id := st.run.ID()
	log := st.log.WithWave(wave)

	if err := o.transition(st, runstate.PhaseWaveExecuting); err != nil {
		return waveResult{}, err
	}
	o.bus.Publish(event.NewWaveStartedEvent(id, wave, total, steps))
	log.Info("wave started", "steps", steps)

	p := st.run.Plan()
	watch := o.watchOverlaps(ctx, st, wave, steps)

	workers := pool.NewWithResults[stepResult]().WithMaxGoroutines(o.cfg.MaxParallel)
	for _, n := range steps {
		step := p.Step(n).Clone()
		workers.Go(func() stepResult { return o.runStep(ctx, st, step) })
	}
	results := workers.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].step.StepNumber < results[j].step.StepNumber })

	var overlaps []conflict.FileOverlap
	if watch != nil {
		overlaps = watch.Overlaps()
		watch.Stop()
	}

	if err := o.transition(st, runstate.PhaseVerifying); err != nil {
		return waveResult{}, err
	}

	var (
		res        waveResult
		candidates []conflict.Candidate
		accepted   []int
		failed     []int
	)
	for _, r := range results {
		if r.err != nil {
			return res, r.err
		}
		if r.fatal() && res.fatal == "" {
			res.fatal = fmt.Sprintf("step %d: %s", r.step.StepNumber, r.record.Error)
		}
		if r.accepted {
			accepted = append(accepted, r.step.StepNumber)
			candidates = append(candidates, conflict.Candidate{
				StepNumber:   r.step.StepNumber,
				AgentName:    r.step.AgentName,
				Branch:       r.record.BranchName,
				ChangedFiles: withOverlaps(r.files, r.step.StepNumber, overlaps),
			})
			continue
		}
		res.escalated = true
		failed = append(failed, r.step.StepNumber)
		if ctx.Err() != nil {
			continue
		}
		if err := o.escalate(st, failureConflict(r)); err != nil {
			return res, err
		}
	}

	merged, err := o.integrate(ctx, st, candidates)
	if err != nil {
		return res, err
	}
	if len(merged) < len(candidates) {
		res.escalated = true
	}

	o.bus.Publish(event.NewWaveCompletedEvent(id, wave, accepted, merged, failed))
	log.Info("wave completed", "accepted", accepted, "merged", merged, "failed", failed)
	return res, o.store.SaveRun(st.run)
}

// runStep executes one step with retries and verifies the result as soon as
// the execution finishes.
func (o *Orchestrator) runStep(ctx context.Context, st *runCtx, step plan.Step) stepResult {
	id := st.run.ID()
	n := step.StepNumber
	log := st.log.WithStep(n)
	res := stepResult{step: step}

	o.bus.Publish(event.NewStepStartedEvent(id, n, step.AgentName, st.run.Attempts(n)+1))
	started := time.Now()
	rec, err := st.session.RunWithRetry(ctx, session.Request{Run: st.run, Step: step})
	if err != nil {
		res.err = err
		return res
	}
	res.record = rec

	ok := rec.Status == runstate.RecordVerifying
	o.bus.Publish(event.NewStepCompletedEvent(id, n, step.AgentName, rec.Attempt, ok, len(rec.CommitIDs), time.Since(started)))
	if !ok {
		o.bus.Publish(event.NewStepFailedEvent(id, n, step.AgentName, rec.Attempt, rec.Error, rec.Degraded, rec.Exhausted))
		if rec.Exhausted || rec.Degraded {
			rec.Status = runstate.RecordBlocked
			res.err = o.saveRecord(st, rec)
		}
		return res
	}

	base := st.run.Snapshot().BaseBranch
	gc := verify.GateContext{
		Step:       step,
		Attempt:    rec.Attempt,
		Dir:        rec.WorktreePath,
		BaseBranch: base,
		Commits:    rec.CommitIDs,
	}
	var report verify.Report
	files, err := o.workspaces.ChangedFiles(ctx, rec.WorktreePath, base)
	if err != nil {
		// Path-filtered gates cannot tell whether they apply.
		log.Warn("failed to list changed files", "error", err)
		report = verify.FailedReport(gc, "changed-files", fmt.Sprintf("could not list changed files: %v", err))
	} else {
		gc.ChangedFiles = files
		res.files = files
		report = o.verifier.Verify(ctx, gc)
	}
	res.report = &report
	if err := o.store.SaveReport(id, report); err != nil {
		res.err = err
		return res
	}

	if report.Accepted() {
		st.passed.Add(1)
		st.retries.RecordSuccess(n)
		rec.Status = runstate.RecordVerified
		res.accepted = true
		o.bus.Publish(event.NewStepVerifiedEvent(id, n, step.AgentName, false))
		log.Info("step verified", "attempt", rec.Attempt, "gates", len(report.Gates))
	} else {
		st.failed.Add(1)
		rec.Status = runstate.RecordFailed
		rec.Error = "verification failed"
		o.bus.Publish(event.NewStepFailedEvent(id, n, step.AgentName, rec.Attempt, rec.Error, false, false))
		log.Warn("verification failed", "attempt", rec.Attempt, "issues", len(report.Issues))
	}
	res.err = o.saveRecord(st, rec)
	return res
}

func (o *Orchestrator) saveRecord(st *runCtx, rec *runstate.ExecutionRecord) error {
	st.run.PutRecord(*rec)
	if err := o.store.SaveRecord(st.run.ID(), *rec); err != nil {
		return errors.Wrapf(err, "persist record for step %d attempt %d", rec.StepNumber, rec.Attempt)
	}
	return nil
}

// failureConflict builds the conflict for a step that did not pass.
func failureConflict(r stepResult) conflict.Conflict {
	c := conflict.Conflict{
		StepNumber: r.step.StepNumber,
		AgentName:  r.step.AgentName,
		Attempt:    r.record.Attempt,
	}
	if r.report != nil {
		c.Type = conflict.TypeVerification
		c.Description = fmt.Sprintf("step %d failed verification", r.step.StepNumber)
		c.Evidence = r.report.Evidence()
		return c
	}
	c.Type = conflict.TypePlan
	switch {
	case r.record.Degraded:
		c.Description = fmt.Sprintf("step %d could not run: executor unavailable", r.step.StepNumber)
	default:
		c.Description = fmt.Sprintf("step %d failed after %d attempt(s)", r.step.StepNumber, r.record.Attempt)
	}
	if r.record.Error != "" {
		c.Evidence = []string{r.record.Error}
	}
	return c
}

// integrate merges candidates into the base branch. Steps that merge are
// verified; the rest become merge conflicts.
func (o *Orchestrator) integrate(ctx context.Context, st *runCtx, candidates []conflict.Candidate) ([]int, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	baseDir := st.run.Snapshot().BaseDir
	outcomes := o.merger.MergeWave(ctx, baseDir, candidates)

	var merged []int
	for _, out := range outcomes {
		if out.Merged {
			st.run.MarkIntegrated(out.StepNumber)
			st.run.MarkVerified(out.StepNumber)
			merged = append(merged, out.StepNumber)
			continue
		}
		i := slices.IndexFunc(candidates, func(c conflict.Candidate) bool { return c.StepNumber == out.StepNumber })
		evidence := slices.Clone(out.Files)
		if out.Err != nil && !errors.Is(out.Err, errors.ErrMergeConflict) {
			evidence = append(evidence, out.Err.Error())
		}
		rec, _ := st.run.LatestRecord(out.StepNumber)
		err := o.escalate(st, conflict.Conflict{
			Type:        conflict.TypeMerge,
			StepNumber:  out.StepNumber,
			AgentName:   candidates[i].AgentName,
			Attempt:     rec.Attempt,
			Description: out.Description(),
			Evidence:    evidence,
		})
		if err != nil {
			return merged, err
		}
	}
	st.log.Debug("merged into base branch", "strategy", o.merger.Name(), "merged", merged)
	return merged, nil
}

// escalate records a conflict and announces it.
func (o *Orchestrator) escalate(st *runCtx, c conflict.Conflict) error {
	added, err := st.resolver.AddConflict(c)
	if err != nil {
		return err
	}
	st.log.Info("conflict opened",
		"conflict_id", added.ID,
		"type", string(added.Type),
		"step", added.StepNumber,
	)
	o.bus.Publish(event.NewConflictOpenedEvent(st.run.ID(), added.ID, string(added.Type), added.StepNumber, added.Description))
	return nil
}

// watchOverlaps starts a detector over the wave's worktrees. It returns nil
// when watching is disabled or the watcher cannot start; detection is
// advisory and never fails a wave.
func (o *Orchestrator) watchOverlaps(ctx context.Context, st *runCtx, wave int, steps []int) *conflict.Detector {
	if !o.cfg.WatchOverlaps || len(steps) < 2 {
		return nil
	}
	d, err := conflict.NewDetector()
	if err != nil {
		st.log.Warn("overlap detection disabled", "error", err)
		return nil
	}

	id := st.run.ID()
	for _, n := range steps {
		ws, err := o.workspaces.CreateAgentBranch(ctx, id, n)
		if err != nil {
			st.log.WithStep(n).Debug("not watching step", "error", err)
			continue
		}
		if err := d.AddStep(n, ws.Path); err != nil {
			st.log.WithStep(n).Debug("not watching step", "error", err)
		}
	}

	// Only touched by the detector goroutine.
	reported := make(map[string]int)
	d.SetOverlapCallback(func(overlaps []conflict.FileOverlap) {
		for _, ov := range overlaps {
			if reported[ov.RelativePath] == len(ov.Steps) {
				continue
			}
			reported[ov.RelativePath] = len(ov.Steps)
			st.log.WithWave(wave).Warn("overlapping edits", "path", ov.RelativePath, "steps", ov.Steps)
			o.bus.Publish(event.NewOverlapDetectedEvent(id, wave, ov.RelativePath, ov.Steps))
		}
	})
	d.Start()
	return d
}

// withOverlaps adds the files the detector saw step edit alongside another
// step, so the merge strategy accounts for them even when the final diff
// no longer shows them.
func withOverlaps(files []string, step int, overlaps []conflict.FileOverlap) []string {
	out := slices.Clone(files)
	for _, ov := range overlaps {
		if slices.Contains(ov.Steps, step) && !slices.Contains(out, ov.RelativePath) {
			out = append(out, ov.RelativePath)
		}
	}
	return out
}
