package orchestrator

import (
	"context"
	"time"

	"github.com/Iron-Ham/swarm/internal/analytics"
	"github.com/Iron-Ham/swarm/internal/deploy"
	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/runstate"
)

// deploy runs the deployer when both the configuration and the plan ask
// for it. A failed deployment is recorded on the run but does not change
// its status.
func (o *Orchestrator) deploy(ctx context.Context, st *runCtx) {
	info := st.run.Snapshot()
	if !o.cfg.Deploy || !info.Deploy || o.deployer == nil {
		return
	}

	res := o.deployer.Deploy(ctx, deploy.Request{
		RunID:      info.ID,
		Goal:       info.Goal,
		BaseBranch: info.BaseBranch,
		Dir:        info.BaseDir,
	})
	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
		st.log.Warn("deploy failed", "error", res.Err)
	} else {
		st.deployed = true
		st.log.Info("deployed", "url", res.URL)
	}
	st.run.Update(func(i *runstate.Info) {
		i.DeployURL = res.URL
		i.DeployError = errMsg
	})
	o.bus.Publish(event.NewDeployFinishedEvent(info.ID, res.Err == nil, res.URL, errMsg))
}

// report records the run's summary with the metrics sink and logs how it
// compares with recent runs. Sink failures are logged and otherwise ignored.
func (o *Orchestrator) report(ctx context.Context, st *runCtx) {
	summary := o.summarize(st)

	if o.cfg.HistoryWindow > 0 {
		history, err := o.sink.Recent(ctx, o.cfg.HistoryWindow)
		if err != nil {
			st.log.Warn("failed to read run history", "error", err)
		} else if cmp := analytics.Compare(summary, history); cmp.Runs > 0 {
			st.log.Info("compared with recent runs",
				"runs", cmp.Runs,
				"duration_delta_pct", cmp.DurationDeltaPct,
				"commit_delta", cmp.CommitDelta,
				"pass_rate_delta", cmp.PassRateDelta,
			)
		}
	}

	if err := o.sink.Record(ctx, summary); err != nil {
		st.log.Warn("failed to record run summary", "error", err)
	}
}

func (o *Orchestrator) summarize(st *runCtx) analytics.RunSummary {
	info := st.run.Snapshot()
	end := time.Now()
	if info.FinishedAt != nil {
		end = *info.FinishedAt
	}

	s := analytics.RunSummary{
		RunID:              info.ID,
		Goal:               info.Goal,
		Status:             string(info.Status),
		StartedAt:          info.CreatedAt,
		DurationMs:         end.Sub(info.CreatedAt).Milliseconds(),
		Waves:              st.waves,
		VerificationPassed: int(st.passed.Load()),
		VerificationFailed: int(st.failed.Load()),
		Replans:            info.Replans,
		ConflictsOpened:    len(st.resolver.All()),
		Deployed:           st.deployed,
	}
	if p := st.run.Plan(); p != nil {
		s.Steps = len(p.Steps)
	}
	for _, rec := range st.run.Records() {
		if rec.Attempt > 1 {
			s.Retries++
		}
	}
	for _, n := range info.Verified {
		if rec, ok := st.run.LatestRecord(n); ok {
			s.Commits += len(rec.CommitIDs)
		}
	}
	return s
}
