package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/Iron-Ham/swarm/internal/agent"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/executor"
	"github.com/Iron-Ham/swarm/internal/plan"
	"github.com/Iron-Ham/swarm/internal/retry"
	"github.com/Iron-Ham/swarm/internal/runstate"
	"github.com/Iron-Ham/swarm/internal/worktree"
)

type fakeWorkspaces struct {
	mu        sync.Mutex
	createErr error
	commits   []string
	committed []string
}

func (f *fakeWorkspaces) BaseBranchName(runID string) string { return "swarm/" + runID + "/base" }

func (f *fakeWorkspaces) CreateAgentBranch(_ context.Context, runID string, step int) (worktree.Workspace, error) {
	if f.createErr != nil {
		return worktree.Workspace{}, f.createErr
	}
	return worktree.Workspace{
		Branch: fmt.Sprintf("swarm/%s/step-%d", runID, step),
		Path:   fmt.Sprintf("/wt/%s/step-%d", runID, step),
	}, nil
}

func (f *fakeWorkspaces) CommitAll(_ context.Context, _ string, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, message)
	return true, nil
}

func (f *fakeWorkspaces) CommitsBetween(context.Context, string, string, string) ([]string, error) {
	return f.commits, nil
}

type fakeExecutor struct {
	mu      sync.Mutex
	results []executor.Result
	tasks   []executor.Task
}

func (f *fakeExecutor) Execute(_ context.Context, task executor.Task) executor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return f.results[min(len(f.tasks)-1, len(f.results)-1)]
}

func (f *fakeExecutor) CheckCapabilities(context.Context) executor.Capabilities {
	return executor.Capabilities{Available: true}
}

type memRecorder struct {
	mu      sync.Mutex
	records []runstate.ExecutionRecord
	err     error
}

func (m *memRecorder) SaveRecord(_ string, rec runstate.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return m.err
}

func newSession(ws *fakeWorkspaces, exec *fakeExecutor, rec *memRecorder, maxRetries int) *Session {
	return New(Dependencies{
		Workspaces: ws,
		Agents:     agent.DefaultRegistry(),
		Executor:   exec,
		Recorder:   rec,
		Retries:    retry.NewManager(retry.Policy{MaxRetries: maxRetries}),
	}, Config{TranscriptLimit: 1024})
}

var testStep = plan.Step{StepNumber: 2, AgentName: "implementer", Task: "Add the parser\nwith tests"}

func TestRun_Success(t *testing.T) {
	ws := &fakeWorkspaces{commits: []string{"c1", "c2"}}
	exec := &fakeExecutor{results: []executor.Result{{Success: true, Output: "done", CostUSD: 0.5}}}
	rec := &memRecorder{}
	s := newSession(ws, exec, rec, 0)
	run := runstate.New("r1", &plan.Plan{Steps: []plan.Step{testStep}})

	got, err := s.Run(context.Background(), Request{Run: run, Step: testStep, Attempt: 1, Extra: "fix the lint"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.Status != runstate.RecordVerifying {
		t.Errorf("Status = %s, want verifying", got.Status)
	}
	if got.BranchName != "swarm/r1/step-2" || len(got.CommitIDs) != 2 || got.Transcript != "done" {
		t.Errorf("record = %+v", got)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}

	if len(rec.records) != 2 || rec.records[0].Status != runstate.RecordRunning {
		t.Errorf("persisted = %+v, want running then verifying", rec.records)
	}
	prompt := exec.tasks[0].Prompt
	if !strings.Contains(prompt, "Add the parser") || !strings.Contains(prompt, "fix the lint") {
		t.Errorf("prompt = %q", prompt)
	}
	if exec.tasks[0].Dir != "/wt/r1/step-2" {
		t.Errorf("executor dir = %s", exec.tasks[0].Dir)
	}
	if len(ws.committed) != 1 || !strings.HasPrefix(ws.committed[0], "swarm: step 2 (implementer)") {
		t.Errorf("commit message = %v", ws.committed)
	}
	if latest, ok := run.LatestRecord(2); !ok || latest.Status != runstate.RecordVerifying {
		t.Error("run should hold the latest record")
	}
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name       string
		ws         *fakeWorkspaces
		result     executor.Result
		step       plan.Step
		wantReason string
		degraded   bool
	}{
		{
			name:       "executor failure",
			ws:         &fakeWorkspaces{},
			result:     executor.Result{ExitCode: 1, Reason: "executor exited with code 1"},
			step:       testStep,
			wantReason: "exited with code 1",
		},
		{
			name:       "degraded executor",
			ws:         &fakeWorkspaces{},
			result:     executor.Degraded("claude unavailable"),
			step:       testStep,
			wantReason: "unavailable",
			degraded:   true,
		},
		{
			name:       "branch allocation failure",
			ws:         &fakeWorkspaces{createErr: errors.ErrNotGitRepository},
			step:       testStep,
			wantReason: "allocate branch",
		},
		{
			name:       "unknown agent",
			ws:         &fakeWorkspaces{},
			step:       plan.Step{StepNumber: 1, AgentName: "wizard", Task: "x"},
			wantReason: "wizard",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{results: []executor.Result{tt.result}}
			s := newSession(tt.ws, exec, &memRecorder{}, 0)
			run := runstate.New("r1", nil)

			got, err := s.Run(context.Background(), Request{Run: run, Step: tt.step, Attempt: 1})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got.Status != runstate.RecordFailed {
				t.Errorf("Status = %s, want failed", got.Status)
			}
			if !strings.Contains(got.Error, tt.wantReason) {
				t.Errorf("Error = %q, want it to contain %q", got.Error, tt.wantReason)
			}
			if got.Degraded != tt.degraded {
				t.Errorf("Degraded = %v, want %v", got.Degraded, tt.degraded)
			}
		})
	}
}

func TestRun_PersistFailureIsReturned(t *testing.T) {
	exec := &fakeExecutor{results: []executor.Result{{Success: true}}}
	s := newSession(&fakeWorkspaces{}, exec, &memRecorder{err: errors.NewStorageError("disk full", nil)}, 0)
	_, err := s.Run(context.Background(), Request{Run: runstate.New("r1", nil), Step: testStep, Attempt: 1})
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if len(exec.tasks) != 0 {
		t.Error("executor must not run when the running record cannot be saved")
	}
}

func TestRunWithRetry(t *testing.T) {
	fail := executor.Result{ExitCode: 1, Reason: "tests failed", Output: "FAIL: TestParse"}
	ok := executor.Result{Success: true, Output: "fixed"}

	tests := []struct {
		name          string
		maxRetries    int
		results       []executor.Result
		wantStatus    runstate.RecordStatus
		wantAttempts  int
		wantExhausted bool
	}{
		{name: "succeeds first time", maxRetries: 2, results: []executor.Result{ok}, wantStatus: runstate.RecordVerifying, wantAttempts: 1},
		{name: "succeeds on retry", maxRetries: 2, results: []executor.Result{fail, ok}, wantStatus: runstate.RecordVerifying, wantAttempts: 2},
		{name: "exhausted", maxRetries: 2, results: []executor.Result{fail}, wantStatus: runstate.RecordFailed, wantAttempts: 3, wantExhausted: true},
		{name: "degraded is not retried", maxRetries: 2, results: []executor.Result{executor.Degraded("gone")}, wantStatus: runstate.RecordFailed, wantAttempts: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{results: tt.results}
			s := newSession(&fakeWorkspaces{commits: []string{"c"}}, exec, &memRecorder{}, tt.maxRetries)
			run := runstate.New("r1", nil)

			got, err := s.RunWithRetry(context.Background(), Request{Run: run, Step: testStep})
			if err != nil {
				t.Fatalf("RunWithRetry() error = %v", err)
			}
			if got.Status != tt.wantStatus || got.Attempt != tt.wantAttempts || got.Exhausted != tt.wantExhausted {
				t.Errorf("record = status %s attempt %d exhausted %v", got.Status, got.Attempt, got.Exhausted)
			}
			if len(exec.tasks) != tt.wantAttempts {
				t.Errorf("executor calls = %d, want %d", len(exec.tasks), tt.wantAttempts)
			}
			if tt.wantAttempts > 1 && !strings.Contains(exec.tasks[1].Prompt, "Attempt 1 failed: tests failed") {
				t.Errorf("retry prompt lacks failure context: %q", exec.tasks[1].Prompt)
			}
			if len(run.Records()) != tt.wantAttempts {
				t.Errorf("run records = %d", len(run.Records()))
			}
		})
	}
}

func TestRunWithRetry_CanceledDuringBackoff(t *testing.T) {
	exec := &fakeExecutor{results: []executor.Result{{ExitCode: 1, Reason: "boom"}}}
	s := New(Dependencies{
		Workspaces: &fakeWorkspaces{},
		Agents:     agent.DefaultRegistry(),
		Executor:   exec,
		Retries:    retry.NewManager(retry.Policy{MaxRetries: 3, BaseDelay: time.Hour}),
	}, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got, err := s.RunWithRetry(ctx, Request{Run: runstate.New("r1", nil), Step: testStep})
	if err != nil {
		t.Fatalf("RunWithRetry() error = %v", err)
	}
	if got.Status != runstate.RecordFailed || !strings.Contains(got.Error, "canceled") {
		t.Errorf("record = %+v", got)
	}
	if len(exec.tasks) != 1 {
		t.Errorf("executor calls = %d, want 1", len(exec.tasks))
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{name: "no limit", in: "abcdef", limit: 0, want: "abcdef"},
		{name: "fits", in: "abc", limit: 3, want: "abc"},
		{name: "head and tail", in: "abcdefghij", limit: 4, want: "ab\n...[6 bytes truncated]...\nij"},
		{name: "multi-byte tail cut", in: "ééééé", limit: 5, want: "é\n...[6 bytes truncated]...\né"},
		{name: "multi-byte head cut", in: "a€bcdefgh€", limit: 6, want: "a\n...[10 bytes truncated]...\n€"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.limit)
			if got != tt.want {
				t.Errorf("Truncate() = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("Truncate() = %q is not valid UTF-8", got)
			}
		})
	}
}

func TestAttemptError(t *testing.T) {
	tests := []struct {
		name      string
		rec       runstate.ExecutionRecord
		cause     error
		retryable bool
		fatal     bool
	}{
		{
			name:      "ordinary failure",
			rec:       runstate.ExecutionRecord{StepNumber: 2, Attempt: 1, ExitCode: 1, Error: "tests failed"},
			cause:     errors.ErrStepFailed,
			retryable: true,
		},
		{
			name:  "degraded executor",
			rec:   runstate.ExecutionRecord{StepNumber: 2, Attempt: 3, Degraded: true, Error: "claude unavailable"},
			cause: errors.ErrExecutorUnavailable,
			fatal: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AttemptError(&tt.rec)
			if !errors.Is(err, tt.cause) {
				t.Errorf("error %v does not match %v", err, tt.cause)
			}
			if errors.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", errors.IsRetryable(err), tt.retryable)
			}
			if errors.IsFatal(err) != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", errors.IsFatal(err), tt.fatal)
			}
			if err.StepNumber != tt.rec.StepNumber || err.Attempt != tt.rec.Attempt {
				t.Errorf("context = step %d attempt %d", err.StepNumber, err.Attempt)
			}
		})
	}
}
