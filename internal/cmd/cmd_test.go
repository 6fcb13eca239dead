package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/swarm/internal/analytics"
	"github.com/Iron-Ham/swarm/internal/conflict"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/plan"
	"github.com/Iron-Ham/swarm/internal/runstate"
)

// executeCommand runs the root command with args and returns captured output.
func executeCommand(args ...string) (string, error) {
	resetFlags()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlags restores command flag variables, which outlive a single Execute.
func resetFlags() {
	validateJSON = false
	runDryRun, runPolicy, runNoDeploy, runParallel = false, "", false, 0
	conflictsAll, conflictsJSON = false, false
	resolveBy, resolveNote = "", ""
	historyLimit, historyJSON = 10, false
	serveAddr = ""
}

// setupWorkspace isolates configuration lookup and returns a repository
// directory and its state directory.
func setupWorkspace(t *testing.T) (repoDir, stateDir string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	repoDir = t.TempDir()
	return repoDir, filepath.Join(repoDir, ".swarm")
}

func writePlan(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

const diamondPlan = `goal: add a parser
steps:
  - stepNumber: 1
    agentName: implementer
    task: write the lexer
  - stepNumber: 2
    agentName: implementer
    task: write the AST
  - stepNumber: 3
    agentName: tester
    task: test the parser
    dependencies: [1, 2]
`

// seedRun persists a blocked two-step run with one pending verification conflict.
func seedRun(t *testing.T, stateDir, id string) conflict.Conflict {
	t.Helper()
	store, err := runstate.NewStore(stateDir)
	if err != nil {
		t.Fatal(err)
	}
	p := &plan.Plan{Goal: "add a parser", Steps: []plan.Step{
		{StepNumber: 1, AgentName: "implementer", Task: "write the lexer"},
		{StepNumber: 2, AgentName: "tester", Task: "test the lexer", Dependencies: []int{1}},
	}}
	run := runstate.New(id, p)
	run.MarkVerified(1)
	run.Finish(runstate.StatusBlocked, runstate.PhaseBlocked, "1 conflict(s) unresolved")
	if err := store.SavePlan(id, p); err != nil {
		t.Fatal(err)
	}
	for _, rec := range []runstate.ExecutionRecord{
		{StepNumber: 1, AgentName: "implementer", Attempt: 1, Status: runstate.RecordVerified},
		{StepNumber: 2, AgentName: "tester", Attempt: 2, Status: runstate.RecordFailed},
	} {
		run.PutRecord(rec)
		if err := store.SaveRecord(id, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.SaveRun(run); err != nil {
		t.Fatal(err)
	}

	r, err := conflict.Open(store.RunDir(id), nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := r.AddConflict(conflict.Conflict{
		Type:        conflict.TypeVerification,
		StepNumber:  2,
		AgentName:   "tester",
		Attempt:     2,
		Description: "verification failed",
		Evidence:    []string{"gate tests failed: 1 issue(s)", "[tests] FAIL TestLexer"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRootHelp(t *testing.T) {
	setupWorkspace(t)
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sub := range []string{"run", "resume", "validate", "status", "conflicts", "history", "serve", "config", "cleanup", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	setupWorkspace(t)
	SetVersion("1.2.3")
	t.Cleanup(func() { SetVersion("dev") })

	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "swarm version 1.2.3") {
		t.Errorf("version output = %q", out)
	}
}

func TestValidateCommand(t *testing.T) {
	repoDir, stateDir := setupWorkspace(t)

	tests := []struct {
		name     string
		plan     string
		wantErr  bool
		contains []string
	}{
		{
			name:     "valid plan prints waves",
			plan:     diamondPlan,
			contains: []string{"VALID", "Steps: 3", "1: steps 1,2", "2: steps 3"},
		},
		{
			name: "unknown agent",
			plan: `goal: g
steps:
  - stepNumber: 1
    agentName: wizard
    task: t
`,
			wantErr:  true,
			contains: []string{"INVALID", "[step 1]"},
		},
		{
			name: "cycle",
			plan: `goal: g
steps:
  - stepNumber: 1
    agentName: implementer
    task: a
    dependencies: [2]
  - stepNumber: 2
    agentName: implementer
    task: b
    dependencies: [1]
`,
			wantErr:  true,
			contains: []string{"INVALID", "dependency chain"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePlan(t, t.TempDir(), "plan.yaml", tt.plan)
			out, err := executeCommand("--repo", repoDir, "--state-dir", stateDir, "validate", path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate error = %v, wantErr %v\n%s", err, tt.wantErr, out)
			}
			for _, s := range tt.contains {
				if !strings.Contains(out, s) {
					t.Errorf("output missing %q:\n%s", s, out)
				}
			}
		})
	}
}

func TestValidateCommand_JSON(t *testing.T) {
	repoDir, stateDir := setupWorkspace(t)
	path := writePlan(t, t.TempDir(), "plan.yaml", diamondPlan)

	out, err := executeCommand("--repo", repoDir, "--state-dir", stateDir, "validate", "--json", path)
	if err != nil {
		t.Fatalf("validate --json: %v\n%s", err, out)
	}
	var got ValidationOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if !got.Valid || len(got.Waves) != 2 || got.FilePath != path {
		t.Errorf("output = %+v", got)
	}

	out, err = executeCommand("--repo", repoDir, "--state-dir", stateDir, "validate", "--json", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for a missing plan")
	}
	if !strings.Contains(out, `"parse_error"`) {
		t.Errorf("missing parse_error in:\n%s", out)
	}
}

func TestRunCommand_DryRun(t *testing.T) {
	repoDir, stateDir := setupWorkspace(t)
	path := writePlan(t, t.TempDir(), "plan.yaml", diamondPlan)

	out, err := executeCommand("--repo", repoDir, "--state-dir", stateDir, "run", "--dry-run", path)
	if err != nil {
		t.Fatalf("run --dry-run: %v\n%s", err, out)
	}
	for _, s := range []string{"Wave 1", "Wave 2", "step 3 (tester)", "test the parser"} {
		if !strings.Contains(out, s) {
			t.Errorf("output missing %q:\n%s", s, out)
		}
	}
	if entries, _ := os.ReadDir(filepath.Join(stateDir, "runs")); len(entries) != 0 {
		t.Errorf("dry run created %d run(s)", len(entries))
	}
}

func TestStatusCommand(t *testing.T) {
	repoDir, stateDir := setupWorkspace(t)
	c := seedRun(t, stateDir, "run-1")

	out, err := executeCommand("--repo", repoDir, "--state-dir", stateDir, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "run-1") || !strings.Contains(out, "blocked") {
		t.Errorf("run list = %q", out)
	}

	out, err = executeCommand("--repo", repoDir, "--state-dir", stateDir, "status", "run-1")
	if err != nil {
		t.Fatalf("status run-1: %v", err)
	}
	for _, s := range []string{"add a parser", "1 conflict(s) unresolved", "verified", "failed", "1 pending conflict(s)", c.ID} {
		if !strings.Contains(out, s) {
			t.Errorf("detail missing %q:\n%s", s, out)
		}
	}

	_, err = executeCommand("--repo", repoDir, "--state-dir", stateDir, "status", "nope")
	if !errors.Is(err, errors.ErrRunNotFound) {
		t.Errorf("status nope error = %v, want ErrRunNotFound", err)
	}
}

func TestStatusCommand_NoRuns(t *testing.T) {
	repoDir, stateDir := setupWorkspace(t)
	out, err := executeCommand("--repo", repoDir, "--state-dir", stateDir, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "No runs") {
		t.Errorf("output = %q", out)
	}
}

func TestConflictsCommands(t *testing.T) {
	repoDir, stateDir := setupWorkspace(t)
	c := seedRun(t, stateDir, "run-1")
	base := []string{"--repo", repoDir, "--state-dir", stateDir, "conflicts"}
	args := func(extra ...string) []string { return append(append([]string{}, base...), extra...) }

	out, err := executeCommand(args("list", "run-1")...)
	if err != nil || !strings.Contains(out, c.ID) || !strings.Contains(out, "pending") {
		t.Fatalf("list = %q, %v", out, err)
	}

	out, err = executeCommand(args("show", "run-1", c.ID)...)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "[tests] FAIL TestLexer") {
		t.Errorf("show output missing evidence:\n%s", out)
	}

	out, err = executeCommand(args("reject", "run-1", c.ID, "--by", "alice", "--note", "use a table-driven test")...)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !strings.Contains(out, "rejected by alice") {
		t.Errorf("reject output = %q", out)
	}

	// A second resolution is refused and does not change the first.
	if _, err := executeCommand(args("approve", "run-1", c.ID, "--by", "bob")...); err == nil {
		t.Error("expected error resolving a resolved conflict")
	}
	r, err := conflict.Open(filepath.Join(stateDir, "runs", "run-1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(c.ID)
	if got.Resolution != conflict.Rejected || got.ResolvedBy != "alice" || got.Note != "use a table-driven test" {
		t.Errorf("conflict = %+v", got)
	}

	out, err = executeCommand(args("list", "run-1")...)
	if err != nil || !strings.Contains(out, "No pending conflicts") {
		t.Errorf("list after reject = %q, %v", out, err)
	}

	out, err = executeCommand(args("list", "run-1", "--all", "--json")...)
	if err != nil {
		t.Fatalf("list --all --json: %v", err)
	}
	var all []conflict.Conflict
	if err := json.Unmarshal([]byte(out), &all); err != nil || len(all) != 1 || !all[0].Resolved {
		t.Errorf("list --all --json = %s (%v)", out, err)
	}
}

func TestConflictsCommands_NotFound(t *testing.T) {
	repoDir, stateDir := setupWorkspace(t)
	seedRun(t, stateDir, "run-1")

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"unknown run", []string{"conflicts", "list", "run-9"}, errors.ErrRunNotFound},
		{"unknown conflict", []string{"conflicts", "show", "run-1", "c-missing"}, errors.ErrConflictNotFound},
		{"approve unknown conflict", []string{"conflicts", "approve", "run-1", "c-missing"}, errors.ErrConflictNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeCommand(append([]string{"--repo", repoDir, "--state-dir", stateDir}, tt.args...)...)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHistoryCommand(t *testing.T) {
	repoDir, stateDir := setupWorkspace(t)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand("--repo", repoDir, "--state-dir", stateDir, "history")
	if err != nil || !strings.Contains(out, "No runs recorded") {
		t.Fatalf("empty history = %q, %v", out, err)
	}

	sink, err := analytics.OpenSQLite(filepath.Join(stateDir, "analytics.db"))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for i, s := range []analytics.RunSummary{
		{RunID: "old", Status: "done", DurationMs: 300_000, Commits: 3, VerificationPassed: 3},
		{RunID: "new", Status: "done", DurationMs: 150_000, Commits: 5, VerificationPassed: 3, VerificationFailed: 1},
	} {
		s.StartedAt = now.Add(time.Duration(i) * time.Minute)
		if err := sink.Record(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	sink.Close()

	out, err = executeCommand("--repo", repoDir, "--state-dir", stateDir, "history", "--json")
	if err != nil {
		t.Fatalf("history --json: %v", err)
	}
	var got HistoryOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(got.Runs) != 2 || got.Runs[0].RunID != "new" || got.Comparison == nil {
		t.Fatalf("history = %+v", got)
	}
	if got.Comparison.DurationDeltaPct != -50 || got.Comparison.CommitDelta != 2 {
		t.Errorf("comparison = %+v", got.Comparison)
	}

	out, err = executeCommand("--repo", repoDir, "--state-dir", stateDir, "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, s := range []string{"new", "old", "previous 1", "-50.0%"} {
		if !strings.Contains(out, s) {
			t.Errorf("history output missing %q:\n%s", s, out)
		}
	}

	if _, err := executeCommand("--repo", repoDir, "--state-dir", stateDir, "history", "--limit", "0"); err == nil {
		t.Error("expected error for --limit 0")
	}
}

func TestConfigShow(t *testing.T) {
	repoDir, stateDir := setupWorkspace(t)
	t.Setenv("SWARM_CONFLICTS_POLICY", "approve")

	out, err := executeCommand("--repo", repoDir, "--state-dir", stateDir, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	for _, s := range []string{"max_parallel: 3", "poll_interval: 5s", "policy: approve"} {
		if !strings.Contains(out, s) {
			t.Errorf("config output missing %q:\n%s", s, out)
		}
	}
}

func TestConfigShow_InvalidEnvironment(t *testing.T) {
	repoDir, stateDir := setupWorkspace(t)
	t.Setenv("SWARM_CONFLICTS_POLICY", "sometimes")

	if _, err := executeCommand("--repo", repoDir, "--state-dir", stateDir, "config", "show"); err == nil {
		t.Fatal("expected invalid configuration error")
	}
}
