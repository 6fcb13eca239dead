package analytics

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS swarm_run_summaries (
    run_id              TEXT PRIMARY KEY,
    goal                TEXT NOT NULL,
    status              TEXT NOT NULL,
    started_at          TIMESTAMPTZ NOT NULL,
    duration_ms         BIGINT NOT NULL,
    steps               INTEGER NOT NULL,
    waves               INTEGER NOT NULL,
    commits             INTEGER NOT NULL,
    verification_passed INTEGER NOT NULL,
    verification_failed INTEGER NOT NULL,
    retries             INTEGER NOT NULL,
    replans             INTEGER NOT NULL,
    conflicts_opened    INTEGER NOT NULL,
    deployed            BOOLEAN NOT NULL DEFAULT FALSE,
    recorded_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_swarm_run_started ON swarm_run_summaries (started_at DESC);
`

// PostgresSink stores summaries in a shared PostgreSQL database so several
// machines can compare against one history.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect analytics database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping analytics database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply analytics schema: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Record inserts or replaces the summary for r.RunID.
func (s *PostgresSink) Record(ctx context.Context, r RunSummary) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO swarm_run_summaries (run_id, goal, status, started_at, duration_ms, steps, waves, commits,
    verification_passed, verification_failed, retries, replans, conflicts_opened, deployed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (run_id) DO UPDATE SET
    goal = EXCLUDED.goal,
    status = EXCLUDED.status,
    started_at = EXCLUDED.started_at,
    duration_ms = EXCLUDED.duration_ms,
    steps = EXCLUDED.steps,
    waves = EXCLUDED.waves,
    commits = EXCLUDED.commits,
    verification_passed = EXCLUDED.verification_passed,
    verification_failed = EXCLUDED.verification_failed,
    retries = EXCLUDED.retries,
    replans = EXCLUDED.replans,
    conflicts_opened = EXCLUDED.conflicts_opened,
    deployed = EXCLUDED.deployed,
    recorded_at = now()`,
		r.RunID, r.Goal, r.Status, r.StartedAt.UTC(), r.DurationMs,
		r.Steps, r.Waves, r.Commits, r.VerificationPassed, r.VerificationFailed,
		r.Retries, r.Replans, r.ConflictsOpened, r.Deployed,
	)
	if err != nil {
		return fmt.Errorf("record run summary: %w", err)
	}
	return nil
}

// Recent returns up to n summaries ordered by start time, newest first.
func (s *PostgresSink) Recent(ctx context.Context, n int) ([]RunSummary, error) {
	rows, err := s.pool.Query(ctx, `
SELECT run_id, goal, status, started_at, duration_ms, steps, waves, commits,
    verification_passed, verification_failed, retries, replans, conflicts_opened, deployed
FROM swarm_run_summaries
ORDER BY started_at DESC
LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("query run summaries: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.Goal, &r.Status, &r.StartedAt, &r.DurationMs, &r.Steps, &r.Waves,
			&r.Commits, &r.VerificationPassed, &r.VerificationFailed, &r.Retries, &r.Replans,
			&r.ConflictsOpened, &r.Deployed); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
