package worktree

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/Iron-Ham/swarm/internal/command"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/testutil"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	testutil.SkipIfNoGit(t)

	repo := testutil.SetupTestRepo(t)
	runner, err := command.NewRunner(command.Config{Enabled: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := New(repo, Config{WorktreeDir: filepath.Join(t.TempDir(), "wt")}, runner, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m, repo
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestFindGitRoot(t *testing.T) {
	testutil.SkipIfNoGit(t)
	repo := testutil.SetupTestRepo(t)
	sub := filepath.Join(repo, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	root, err := FindGitRoot(sub)
	if err != nil {
		t.Fatalf("FindGitRoot() error = %v", err)
	}
	want, _ := filepath.EvalSymlinks(repo)
	got, _ := filepath.EvalSymlinks(root)
	if got != want {
		t.Errorf("FindGitRoot() = %s, want %s", got, want)
	}

	if _, err := FindGitRoot(t.TempDir()); !errors.Is(err, errors.ErrNotGitRepository) {
		t.Errorf("FindGitRoot() error = %v, want ErrNotGitRepository", err)
	}
}

func TestBranchNamesAreDeterministic(t *testing.T) {
	m := &Manager{prefix: "swarm", worktreeDir: "/wt"}

	if got := m.BranchName("run1", 3); got != "swarm/run1/step-3" {
		t.Errorf("BranchName() = %s", got)
	}
	if got := m.BaseBranchName("run1"); got != "swarm/run1/base" {
		t.Errorf("BaseBranchName() = %s", got)
	}
	if m.BranchName("run1", 3) != m.BranchName("run1", 3) {
		t.Error("branch names must be stable")
	}
}

func TestCreateAgentBranch_IsolatedAndIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	base, err := m.EnsureBaseBranch(ctx, "r1", "")
	if err != nil {
		t.Fatalf("EnsureBaseBranch() error = %v", err)
	}
	if got, _ := m.CurrentBranch(ctx, base.Path); got != "swarm/r1/base" {
		t.Errorf("base branch = %s", got)
	}

	ws1, err := m.CreateAgentBranch(ctx, "r1", 1)
	if err != nil {
		t.Fatalf("CreateAgentBranch(1) error = %v", err)
	}
	ws2, err := m.CreateAgentBranch(ctx, "r1", 2)
	if err != nil {
		t.Fatalf("CreateAgentBranch(2) error = %v", err)
	}
	if ws1.Path == ws2.Path || ws1.Branch == ws2.Branch {
		t.Fatal("steps must not share a worktree or branch")
	}

	writeFile(t, ws1.Path, "one.txt", "1")
	if dirty, _ := m.HasUncommittedChanges(ctx, ws2.Path); dirty {
		t.Error("changes in step 1 leaked into step 2")
	}

	again, err := m.CreateAgentBranch(ctx, "r1", 1)
	if err != nil || again != ws1 {
		t.Errorf("second CreateAgentBranch() = %+v, %v", again, err)
	}
}

func TestEnsureBaseBranch_UnknownStartPoint(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.EnsureBaseBranch(context.Background(), "r9", "no-such-branch")
	if !errors.Is(err, errors.ErrBranchNotFound) {
		t.Fatalf("EnsureBaseBranch() error = %v, want ErrBranchNotFound", err)
	}
	var gitErr *errors.GitError
	if !errors.As(err, &gitErr) || gitErr.Branch != m.BaseBranchName("r9") {
		t.Errorf("error = %#v, want GitError for %s", err, m.BaseBranchName("r9"))
	}
}

func TestCommitAndMerge(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	base, err := m.EnsureBaseBranch(ctx, "r2", "main")
	if err != nil {
		t.Fatal(err)
	}
	ws, err := m.CreateAgentBranch(ctx, "r2", 1)
	if err != nil {
		t.Fatal(err)
	}

	committed, err := m.CommitAll(ctx, ws.Path, "nothing")
	if err != nil || committed {
		t.Errorf("CommitAll() on clean tree = %v, %v", committed, err)
	}

	writeFile(t, ws.Path, "feature.go", "package feature\n")
	committed, err = m.CommitAll(ctx, ws.Path, "step 1")
	if err != nil || !committed {
		t.Fatalf("CommitAll() = %v, %v", committed, err)
	}

	commits, err := m.CommitsBetween(ctx, ws.Path, base.Branch, ws.Branch)
	if err != nil || len(commits) != 1 {
		t.Fatalf("CommitsBetween() = %v, %v", commits, err)
	}
	files, err := m.ChangedFiles(ctx, ws.Path, base.Branch)
	if err != nil || !slices.Equal(files, []string{"feature.go"}) {
		t.Errorf("ChangedFiles() = %v, %v", files, err)
	}

	if conflicts, err := m.Merge(ctx, base.Path, ws.Branch, "merge step 1"); err != nil || conflicts != nil {
		t.Fatalf("Merge() = %v, %v", conflicts, err)
	}
	if _, err := os.Stat(filepath.Join(base.Path, "feature.go")); err != nil {
		t.Error("merged file missing from base worktree")
	}
}

func TestMerge_ConflictAborts(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	base, err := m.EnsureBaseBranch(ctx, "r3", "main")
	if err != nil {
		t.Fatal(err)
	}
	ws1, _ := m.CreateAgentBranch(ctx, "r3", 1)
	ws2, _ := m.CreateAgentBranch(ctx, "r3", 2)

	writeFile(t, ws1.Path, "README.md", "from step 1\n")
	writeFile(t, ws2.Path, "README.md", "from step 2\n")
	if _, err := m.CommitAll(ctx, ws1.Path, "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CommitAll(ctx, ws2.Path, "two"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Merge(ctx, base.Path, ws1.Branch, "merge 1"); err != nil {
		t.Fatalf("first merge error = %v", err)
	}
	conflicts, err := m.Merge(ctx, base.Path, ws2.Branch, "merge 2")
	if !errors.Is(err, errors.ErrMergeConflict) {
		t.Fatalf("Merge() error = %v, want ErrMergeConflict", err)
	}
	if !slices.Equal(conflicts, []string{"README.md"}) {
		t.Errorf("conflicts = %v", conflicts)
	}
	if dirty, _ := m.HasUncommittedChanges(ctx, base.Path); dirty {
		t.Error("aborted merge left the base worktree dirty")
	}
}

func TestResetAgentBranch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	base, _ := m.EnsureBaseBranch(ctx, "r4", "main")
	ws, _ := m.CreateAgentBranch(ctx, "r4", 1)
	writeFile(t, ws.Path, "bad.txt", "bad")
	if _, err := m.CommitAll(ctx, ws.Path, "bad attempt"); err != nil {
		t.Fatal(err)
	}

	ws, err := m.ResetAgentBranch(ctx, "r4", 1)
	if err != nil {
		t.Fatalf("ResetAgentBranch() error = %v", err)
	}
	commits, err := m.CommitsBetween(ctx, ws.Path, base.Branch, ws.Branch)
	if err != nil || len(commits) != 0 {
		t.Errorf("reset branch still has commits: %v, %v", commits, err)
	}

	if err := m.RemoveRun(ctx, "r4"); err != nil {
		t.Fatalf("RemoveRun() error = %v", err)
	}
	if _, err := os.Stat(m.RunDir("r4")); !os.IsNotExist(err) {
		t.Error("run worktree directory should be removed")
	}
}
