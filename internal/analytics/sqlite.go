package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_summaries (
    run_id              TEXT PRIMARY KEY,
    goal                TEXT NOT NULL,
    status              TEXT NOT NULL,
    started_at          TEXT NOT NULL,
    duration_ms         INTEGER NOT NULL,
    steps               INTEGER NOT NULL,
    waves               INTEGER NOT NULL,
    commits             INTEGER NOT NULL,
    verification_passed INTEGER NOT NULL,
    verification_failed INTEGER NOT NULL,
    retries             INTEGER NOT NULL,
    replans             INTEGER NOT NULL,
    conflicts_opened    INTEGER NOT NULL,
    deployed            BOOLEAN NOT NULL DEFAULT FALSE,
    recorded_at         TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_run_started ON run_summaries(started_at DESC);
`

// SQLiteSink stores summaries in a local SQLite database.
type SQLiteSink struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteSink, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open analytics database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping analytics database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	s := &SQLiteSink{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	var count int
	err := s.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sqliteSchemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Record inserts or replaces the summary for s.RunID.
func (s *SQLiteSink) Record(ctx context.Context, r RunSummary) error {
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO run_summaries (run_id, goal, status, started_at, duration_ms, steps, waves, commits,
    verification_passed, verification_failed, retries, replans, conflicts_opened, deployed)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
    goal = excluded.goal,
    status = excluded.status,
    started_at = excluded.started_at,
    duration_ms = excluded.duration_ms,
    steps = excluded.steps,
    waves = excluded.waves,
    commits = excluded.commits,
    verification_passed = excluded.verification_passed,
    verification_failed = excluded.verification_failed,
    retries = excluded.retries,
    replans = excluded.replans,
    conflicts_opened = excluded.conflicts_opened,
    deployed = excluded.deployed,
    recorded_at = datetime('now')`,
		r.RunID, r.Goal, r.Status, r.StartedAt.UTC().Format(timeLayout), r.DurationMs,
		r.Steps, r.Waves, r.Commits, r.VerificationPassed, r.VerificationFailed,
		r.Retries, r.Replans, r.ConflictsOpened, r.Deployed,
	)
	if err != nil {
		return fmt.Errorf("record run summary: %w", err)
	}
	return nil
}

// Recent returns up to n summaries ordered by start time, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, n int) ([]RunSummary, error) {
	rows, err := s.conn.QueryContext(ctx, `
SELECT run_id, goal, status, started_at, duration_ms, steps, waves, commits,
    verification_passed, verification_failed, retries, replans, conflicts_opened, deployed
FROM run_summaries
ORDER BY started_at DESC
LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query run summaries: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r       RunSummary
			started string
		)
		if err := rows.Scan(&r.RunID, &r.Goal, &r.Status, &started, &r.DurationMs, &r.Steps, &r.Waves,
			&r.Commits, &r.VerificationPassed, &r.VerificationFailed, &r.Retries, &r.Replans,
			&r.ConflictsOpened, &r.Deployed); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", started, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.conn.Close()
}
