package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/swarm/internal/conflict"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/replan"
	"github.com/Iron-Ham/swarm/internal/runstate"
)

// settle acts on every conflict whose resolution has not been applied yet,
// oldest first. Under the manual policy it polls the conflict log until
// nothing is pending; the approve and reject policies resolve pending
// conflicts themselves. A non-nil outcome means the run cannot continue.
func (o *Orchestrator) settle(ctx context.Context, st *runCtx) (*outcome, error) {
	var waitingSince time.Time
	for {
		if err := st.resolver.Reload(); err != nil {
			return nil, err
		}
		open := o.unapplied(st)
		if len(open) == 0 {
			return nil, nil
		}

		pending := 0
		for _, c := range open {
			if !c.Resolved && !o.resolveByPolicy(st, c) {
				pending++
				continue
			}
			c, _ = st.resolver.Get(c.ID)
			if out, err := o.apply(ctx, st, c); out != nil || err != nil {
				return out, err
			}
		}
		if pending == 0 {
			// Applying may have opened new conflicts; look again.
			continue
		}

		if waitingSince.IsZero() {
			waitingSince = time.Now()
			st.log.Info("awaiting conflict resolution", "pending", pending)
		}
		if o.cfg.WaitTimeout > 0 && time.Since(waitingSince) >= o.cfg.WaitTimeout {
			return blocked(fmt.Sprintf("%d conflict(s) unresolved after %s", pending, o.cfg.WaitTimeout)), nil
		}
		select {
		case <-ctx.Done():
			return blocked(fmt.Sprintf("%d conflict(s) unresolved: %v", pending, ctx.Err())), nil
		case <-time.After(o.cfg.PollInterval):
		}
	}
}

// unapplied returns the conflicts whose resolution the run has not acted on.
func (o *Orchestrator) unapplied(st *runCtx) []conflict.Conflict {
	var out []conflict.Conflict
	for _, c := range st.resolver.All() {
		if !st.run.IsApplied(c.ID) {
			out = append(out, c)
		}
	}
	return out
}

// resolveByPolicy resolves c when the policy is automatic and reports
// whether c is now resolved.
func (o *Orchestrator) resolveByPolicy(st *runCtx, c conflict.Conflict) bool {
	switch o.cfg.Policy {
	case PolicyApprove:
		st.resolver.ApproveConflict(c.ID, policyActor, "")
	case PolicyReject:
		st.resolver.RejectConflict(c.ID, policyActor, "")
	default:
		return false
	}
	// Another process may have won the race; either way it is resolved.
	got, _ := st.resolver.Get(c.ID)
	return got.Resolved
}

// apply acts on one resolved conflict.
func (o *Orchestrator) apply(ctx context.Context, st *runCtx, c conflict.Conflict) (*outcome, error) {
	id := st.run.ID()
	n := c.StepNumber
	log := st.log.WithStep(n).With("conflict_id", c.ID)
	o.bus.Publish(event.NewConflictResolvedEvent(id, c.ID, n, string(c.Resolution), c.ResolvedBy))
	log.Info("conflict resolved",
		"type", string(c.Type),
		"resolution", string(c.Resolution),
		"by", c.ResolvedBy,
	)

	step := st.run.Plan().Step(n)
	var out *outcome
	var err error
	switch {
	case step == nil:
		log.Debug("step no longer in plan")
	case c.Type != conflict.TypeMerge && st.run.IsVerified(n):
		log.Debug("step already verified")
	case c.Resolution == conflict.Rejected:
		out, err = o.replan(ctx, st, c)
	case c.Type == conflict.TypeVerification:
		err = o.acceptStep(ctx, st, c)
	case c.Type == conflict.TypePlan:
		out = o.requeue(ctx, st, n, false)
	case c.Type == conflict.TypeMerge:
		// The human integrated the branch by hand.
		st.run.MarkIntegrated(n)
		st.run.MarkVerified(n)
	}
	if err != nil {
		return nil, err
	}

	st.run.MarkApplied(c.ID)
	return out, o.store.SaveRun(st.run)
}

// acceptStep treats a step that failed verification as verified and merges it.
func (o *Orchestrator) acceptStep(ctx context.Context, st *runCtx, c conflict.Conflict) error {
	rec, ok := st.run.LatestRecord(c.StepNumber)
	if !ok {
		return nil
	}
	rec.Status = runstate.RecordVerified
	rec.Error = ""
	if err := o.saveRecord(st, &rec); err != nil {
		return err
	}
	st.retries.RecordSuccess(c.StepNumber)
	o.bus.Publish(event.NewStepVerifiedEvent(st.run.ID(), c.StepNumber, rec.AgentName, true))

	// A lone candidate has no sibling to overlap with, so git decides.
	_, err := o.integrate(ctx, st, []conflict.Candidate{{
		StepNumber: c.StepNumber,
		AgentName:  rec.AgentName,
		Branch:     rec.BranchName,
	}})
	return err
}

// requeue sends step back for another round with a fresh retry budget.
// It blocks the run once the step has been requeued too often.
func (o *Orchestrator) requeue(ctx context.Context, st *runCtx, step int, reset bool) *outcome {
	st.requeues[step]++
	if st.requeues[step] > o.cfg.MaxRequeues {
		return blocked(fmt.Sprintf("step %d requeued more than %d times", step, o.cfg.MaxRequeues))
	}
	st.retries.Rearm(step)
	if reset && st.run.Attempts(step) > 0 {
		if _, err := o.workspaces.ResetAgentBranch(ctx, st.run.ID(), step); err != nil {
			st.log.WithStep(step).Warn("failed to reset step branch", "error", err)
		}
	}
	st.log.WithStep(step).Info("step requeued", "round", st.requeues[step]+1, "reset", reset)
	return nil
}

// replan revises the unverified part of the plan after a rejection. An
// impasse blocks the run and opens a plan conflict so the human can choose
// another course on resume.
func (o *Orchestrator) replan(ctx context.Context, st *runCtx, c conflict.Conflict) (*outcome, error) {
	if err := o.transition(st, runstate.PhaseReplanning); err != nil {
		return nil, err
	}
	reason := replan.ReasonRejected
	if c.Type == conflict.TypePlan {
		reason = replan.ReasonExhausted
	}

	next, change, err := o.replanner.Replan(replan.Request{
		Plan:     st.run.Plan(),
		Verified: st.run.VerifiedSet(),
		Step:     c.StepNumber,
		Conflict: &c,
		Evidence: c.Evidence,
		Reason:   reason,
	})
	if err != nil {
		st.log.WithStep(c.StepNumber).Warn("replan failed", "error", err)
		if !errors.Is(err, errors.ErrReplanImpasse) {
			err = fmt.Errorf("%w: %w", errors.ErrReplanImpasse, err)
		}
		escErr := o.escalate(st, conflict.Conflict{
			Type:        conflict.TypePlan,
			StepNumber:  c.StepNumber,
			AgentName:   c.AgentName,
			Attempt:     c.Attempt,
			Description: err.Error(),
			Evidence:    c.Evidence,
		})
		return blocked(err.Error()), escErr
	}

	for _, n := range change.Requeue {
		if out := o.requeue(ctx, st, n, true); out != nil {
			return out, nil
		}
	}

	st.run.SetPlan(next)
	st.run.Update(func(i *runstate.Info) { i.Replans++ })
	if err := o.store.SavePlan(st.run.ID(), next); err != nil {
		return nil, err
	}
	o.bus.Publish(event.NewPlanRevisedEvent(st.run.ID(), next.Revision, c.StepNumber, string(change.Kind), change.Summary))
	return nil, nil
}
