// Package analytics records a summary of every finished run and compares a
// run against the recent history of the repository.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/swarm/internal/config"
	"github.com/Iron-Ham/swarm/internal/errors"
)

// Backend names accepted by Open.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

// RunSummary is the finalized metrics of one run.
type RunSummary struct {
	RunID              string    `json:"runId"`
	Goal               string    `json:"goal"`
	Status             string    `json:"status"`
	StartedAt          time.Time `json:"startedAt"`
	DurationMs         int64     `json:"durationMs"`
	Steps              int       `json:"steps"`
	Waves              int       `json:"waves"`
	Commits            int       `json:"commits"`
	VerificationPassed int       `json:"verificationPassed"`
	VerificationFailed int       `json:"verificationFailed"`
	Retries            int       `json:"retries"`
	Replans            int       `json:"replans"`
	ConflictsOpened    int       `json:"conflictsOpened"`
	Deployed           bool      `json:"deployed"`
}

// PassRate is the fraction of verifications that passed, or 0 when none ran.
func (s RunSummary) PassRate() float64 {
	total := s.VerificationPassed + s.VerificationFailed
	if total == 0 {
		return 0
	}
	return float64(s.VerificationPassed) / float64(total)
}

// Sink stores run summaries. Recording the same RunID twice replaces the
// earlier summary, so a resumed run is counted once.
type Sink interface {
	Record(ctx context.Context, s RunSummary) error
	// Recent returns up to n summaries, newest first.
	Recent(ctx context.Context, n int) ([]RunSummary, error)
	Close() error
}

// NopSink discards summaries.
type NopSink struct{}

func (NopSink) Record(context.Context, RunSummary) error          { return nil }
func (NopSink) Recent(context.Context, int) ([]RunSummary, error) { return nil, nil }
func (NopSink) Close() error                                      { return nil }

// Open returns the sink selected by cfg. A sqlite DSN defaults to
// analytics.db in stateDir.
func Open(ctx context.Context, cfg config.AnalyticsConfig, stateDir string) (Sink, error) {
	switch cfg.Backend {
	case "", BackendSQLite:
		return OpenSQLite(cfg.ResolveDSN(stateDir))
	case BackendPostgres:
		if cfg.DSN == "" {
			return nil, errors.NewValidationError("postgres analytics backend needs a dsn").WithField("analytics.dsn")
		}
		return OpenPostgres(ctx, cfg.DSN)
	case BackendNone:
		return NopSink{}, nil
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unknown analytics backend %q", cfg.Backend)).
			WithField("analytics.backend").WithValue(cfg.Backend)
	}
}

// Comparison relates one run to the average of previous runs.
type Comparison struct {
	Runs          int     `json:"runs"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	// DurationDeltaPct is negative when the current run was faster.
	DurationDeltaPct float64 `json:"durationDeltaPct"`
	AvgCommits       float64 `json:"avgCommits"`
	// CommitDelta is current commits minus the average.
	CommitDelta   float64 `json:"commitDelta"`
	AvgPassRate   float64 `json:"avgPassRate"`
	PassRateDelta float64 `json:"passRateDelta"`
}

// Compare compares current against history. Entries of history with the
// same RunID as current are ignored.
func Compare(current RunSummary, history []RunSummary) Comparison {
	var (
		c                            Comparison
		duration, commits, passRates float64
	)
	for _, h := range history {
		if h.RunID == current.RunID {
			continue
		}
		c.Runs++
		duration += float64(h.DurationMs)
		commits += float64(h.Commits)
		passRates += h.PassRate()
	}
	if c.Runs == 0 {
		return Comparison{}
	}

	n := float64(c.Runs)
	c.AvgDurationMs = duration / n
	c.AvgCommits = commits / n
	c.AvgPassRate = passRates / n
	if c.AvgDurationMs > 0 {
		c.DurationDeltaPct = (float64(current.DurationMs) - c.AvgDurationMs) / c.AvgDurationMs * 100
	}
	c.CommitDelta = float64(current.Commits) - c.AvgCommits
	c.PassRateDelta = current.PassRate() - c.AvgPassRate
	return c
}
