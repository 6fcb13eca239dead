package analytics

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/swarm/internal/config"
	"github.com/Iron-Ham/swarm/internal/errors"
)

func testSink(t *testing.T) *SQLiteSink {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "analytics.db"))
	if err != nil {
		t.Fatalf("open test sink: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func summary(id string, started time.Time, durationMs int64, commits int) RunSummary {
	return RunSummary{
		RunID:              id,
		Goal:               "goal " + id,
		Status:             "done",
		StartedAt:          started,
		DurationMs:         durationMs,
		Steps:              3,
		Waves:              2,
		Commits:            commits,
		VerificationPassed: 3,
	}
}

func TestSQLiteSink_RecordAndRecent(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		if err := s.Record(ctx, summary(id, base.Add(time.Duration(i)*time.Hour), 1000, i)); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].RunID != "c" || got[1].RunID != "b" {
		t.Fatalf("recent = %+v, want c then b", got)
	}
	if !got[0].StartedAt.Equal(base.Add(2*time.Hour)) || got[0].Commits != 2 || got[0].Goal != "goal c" {
		t.Errorf("summary = %+v", got[0])
	}
}

func TestSQLiteSink_RecordReplaces(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.Record(ctx, summary("r1", now, 1000, 1))
	resumed := summary("r1", now, 5000, 4)
	resumed.Status = "blocked"
	resumed.Deployed = true
	if err := s.Record(ctx, resumed); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Recent(ctx, 10)
	if len(got) != 1 {
		t.Fatalf("got %d summaries, want 1", len(got))
	}
	if got[0].DurationMs != 5000 || got[0].Status != "blocked" || !got[0].Deployed {
		t.Errorf("summary = %+v", got[0])
	}
}

func TestSQLiteSink_MigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analytics.db")
	for range 2 {
		s, err := OpenSQLite(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		var version int
		if err := s.conn.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil || version != 1 {
			t.Errorf("schema version = %d, %v", version, err)
		}
		s.Close()
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, config.AnalyticsConfig{}, dir)
	if err != nil {
		t.Fatalf("Open(default) error = %v", err)
	}
	if _, ok := s.(*SQLiteSink); !ok {
		t.Errorf("default sink = %T", s)
	}
	s.Close()

	s, err = Open(ctx, config.AnalyticsConfig{Backend: BackendNone}, dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(NopSink); !ok {
		t.Errorf("none sink = %T", s)
	}

	if _, err := Open(ctx, config.AnalyticsConfig{Backend: BackendPostgres}, dir); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("postgres without dsn error = %v", err)
	}
	if _, err := Open(ctx, config.AnalyticsConfig{Backend: "influx"}, dir); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("unknown backend error = %v", err)
	}
}

func TestCompare(t *testing.T) {
	now := time.Now()
	history := []RunSummary{
		summary("h1", now, 250000, 4),
		summary("h2", now, 350000, 6),
	}
	current := summary("cur", now, 180000, 3)
	current.VerificationFailed = 1

	c := Compare(current, append(history, current))

	if c.Runs != 2 {
		t.Errorf("Runs = %d, want 2 (current excluded)", c.Runs)
	}
	if c.AvgDurationMs != 300000 {
		t.Errorf("AvgDurationMs = %v", c.AvgDurationMs)
	}
	if c.DurationDeltaPct >= 0 || math.Abs(c.DurationDeltaPct-(-40)) > 1e-9 {
		t.Errorf("DurationDeltaPct = %v, want -40", c.DurationDeltaPct)
	}
	if c.AvgCommits != 5 || c.CommitDelta != -2 {
		t.Errorf("commits avg %v delta %v, want 5 and -2", c.AvgCommits, c.CommitDelta)
	}
	if c.AvgPassRate != 1 || math.Abs(c.PassRateDelta-(-0.25)) > 1e-9 {
		t.Errorf("pass rate avg %v delta %v", c.AvgPassRate, c.PassRateDelta)
	}

	more := summary("more", now, 180000, 9)
	if d := Compare(more, history).CommitDelta; d != 4 {
		t.Errorf("CommitDelta = %v, want +4", d)
	}
}

func TestCompare_EmptyHistory(t *testing.T) {
	cur := summary("cur", time.Now(), 1000, 1)
	if c := Compare(cur, nil); c != (Comparison{}) {
		t.Errorf("Compare(nil) = %+v", c)
	}
	if c := Compare(cur, []RunSummary{cur}); c.Runs != 0 {
		t.Errorf("Compare(self) = %+v", c)
	}
}

func TestPassRate(t *testing.T) {
	if r := (RunSummary{}).PassRate(); r != 0 {
		t.Errorf("empty PassRate = %v", r)
	}
	if r := (RunSummary{VerificationPassed: 1, VerificationFailed: 3}).PassRate(); r != 0.25 {
		t.Errorf("PassRate = %v", r)
	}
}
