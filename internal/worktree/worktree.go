// Package worktree isolates each step in its own git branch and worktree.
//
// Branch names are derived deterministically from the run id and step number,
// so concurrent steps of a wave never share a working tree and a resumed run
// finds the branches it created before.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/swarm/internal/command"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/logging"
)

// Workspace is a branch checked out in its own worktree.
type Workspace struct {
	Branch string `json:"branch"`
	Path   string `json:"path"`
}

// Config configures a Manager.
type Config struct {
	// WorktreeDir holds every worktree, grouped by run id. Relative paths are
	// resolved against the repository root.
	WorktreeDir string
	// BranchPrefix is the first path segment of every branch swarm creates.
	BranchPrefix string
	// Timeout bounds each git invocation.
	Timeout time.Duration
}

// Manager handles branch and worktree operations for a repository.
type Manager struct {
	repoDir     string
	worktreeDir string
	prefix      string
	timeout     time.Duration
	exec        command.Executor
	logger      *logging.Logger
}

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// It returns the directory containing .git (either a directory or a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.NewGitError("no repository found", errors.ErrNotGitRepository).WithRepository(startDir)
		}
		dir = parent
	}
}

// New creates a Manager for the repository containing repoDir.
func New(repoDir string, cfg Config, exec command.Executor, logger *logging.Logger) (*Manager, error) {
	root, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, err
	}
	wtDir := cfg.WorktreeDir
	if wtDir == "" {
		wtDir = filepath.Join(".swarm", "worktrees")
	}
	if !filepath.IsAbs(wtDir) {
		wtDir = filepath.Join(root, wtDir)
	}
	prefix := cfg.BranchPrefix
	if prefix == "" {
		prefix = "swarm"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Manager{
		repoDir:     root,
		worktreeDir: wtDir,
		prefix:      prefix,
		timeout:     timeout,
		exec:        exec,
		logger:      logging.OrNop(logger).WithComponent("worktree"),
	}, nil
}

// RepoDir returns the repository root.
func (m *Manager) RepoDir() string { return m.repoDir }

// BranchName is the deterministic branch for a step of a run.
func (m *Manager) BranchName(runID string, step int) string {
	return fmt.Sprintf("%s/%s/step-%d", m.prefix, runID, step)
}

// BaseBranchName is the integration branch of a run.
func (m *Manager) BaseBranchName(runID string) string {
	return fmt.Sprintf("%s/%s/base", m.prefix, runID)
}

// RunDir holds every worktree of a run.
func (m *Manager) RunDir(runID string) string {
	return filepath.Join(m.worktreeDir, runID)
}

func (m *Manager) stepPath(runID string, step int) string {
	return filepath.Join(m.RunDir(runID), fmt.Sprintf("step-%d", step))
}

// EnsureBaseBranch creates the run's integration branch from "from" (the
// current HEAD branch when empty) and checks it out in its own worktree.
// Calling it again for the same run returns the existing workspace.
func (m *Manager) EnsureBaseBranch(ctx context.Context, runID, from string) (Workspace, error) {
	ws := Workspace{Branch: m.BaseBranchName(runID), Path: filepath.Join(m.RunDir(runID), "base")}
	if from == "" {
		cur, err := m.CurrentBranch(ctx, m.repoDir)
		if err != nil {
			return Workspace{}, err
		}
		from = cur
	}
	if err := m.ensure(ctx, ws, from); err != nil {
		return Workspace{}, err
	}
	return ws, nil
}

// CreateAgentBranch allocates the isolated branch and worktree for a step,
// starting from the run's integration branch. An existing branch and worktree
// are reused.
func (m *Manager) CreateAgentBranch(ctx context.Context, runID string, step int) (Workspace, error) {
	ws := Workspace{Branch: m.BranchName(runID, step), Path: m.stepPath(runID, step)}
	if err := m.ensure(ctx, ws, m.BaseBranchName(runID)); err != nil {
		return Workspace{}, err
	}
	return ws, nil
}

// ResetAgentBranch discards a step's branch and worktree and recreates them
// from the current integration branch.
func (m *Manager) ResetAgentBranch(ctx context.Context, runID string, step int) (Workspace, error) {
	path := m.stepPath(runID, step)
	if _, err := os.Stat(path); err == nil {
		if err := m.Remove(ctx, path); err != nil {
			return Workspace{}, err
		}
	}
	branch := m.BranchName(runID, step)
	if m.branchExists(ctx, branch) {
		if _, err := m.git(ctx, m.repoDir, "branch", "-D", branch); err != nil {
			return Workspace{}, m.wrap("delete branch", err).WithBranch(branch)
		}
	}
	m.logger.Info("reset step branch", "run_id", runID, "step", step)
	return m.CreateAgentBranch(ctx, runID, step)
}

func (m *Manager) ensure(ctx context.Context, ws Workspace, from string) error {
	if isWorktree(ws.Path) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(ws.Path), 0o755); err != nil {
		return errors.NewGitError("create worktree parent", err).WithWorktree(ws.Path)
	}

	var err error
	if m.branchExists(ctx, ws.Branch) {
		_, err = m.git(ctx, m.repoDir, "worktree", "add", ws.Path, ws.Branch)
	} else {
		if _, verr := m.git(ctx, m.repoDir, "rev-parse", "--verify", "--quiet", from+"^{commit}"); verr != nil {
			return errors.NewGitError("start point "+from+" does not resolve", errors.ErrBranchNotFound).
				WithBranch(ws.Branch).WithRepository(m.repoDir)
		}
		_, err = m.git(ctx, m.repoDir, "worktree", "add", "-b", ws.Branch, ws.Path, from)
	}
	if err != nil {
		return m.wrap("create worktree", err).WithBranch(ws.Branch).WithWorktree(ws.Path)
	}
	m.logger.Debug("created worktree", "branch", ws.Branch, "path", ws.Path, "from", from)
	return nil
}

func isWorktree(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info.Mode().IsRegular()
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, m.repoDir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// CurrentBranch returns the branch checked out in dir.
func (m *Manager) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := m.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", m.wrap("read current branch", err).WithWorktree(dir)
	}
	return strings.TrimSpace(out), nil
}

// HasUncommittedChanges reports whether dir has staged, unstaged or untracked changes.
func (m *Manager) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	out, err := m.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, m.wrap("read status", err).WithWorktree(dir)
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages and commits everything in dir. It reports whether a
// commit was created; a clean tree is not an error.
func (m *Manager) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	dirty, err := m.HasUncommittedChanges(ctx, dir)
	if err != nil || !dirty {
		return false, err
	}
	if _, err := m.git(ctx, dir, "add", "-A"); err != nil {
		return false, m.wrap("stage changes", err).WithWorktree(dir)
	}
	if _, err := m.git(ctx, dir, "commit", "--no-verify", "-m", message); err != nil {
		return false, m.wrap("commit", err).WithWorktree(dir)
	}
	return true, nil
}

// CommitsBetween returns the commits reachable from head but not base, oldest first.
func (m *Manager) CommitsBetween(ctx context.Context, dir, base, head string) ([]string, error) {
	out, err := m.git(ctx, dir, "rev-list", "--reverse", base+".."+head)
	if err != nil {
		return nil, m.wrap("list commits", err).WithBranch(head)
	}
	return lines(out), nil
}

// ChangedFiles lists files changed on dir's HEAD since it diverged from base.
func (m *Manager) ChangedFiles(ctx context.Context, dir, base string) ([]string, error) {
	out, err := m.git(ctx, dir, "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return nil, m.wrap("list changed files", err).WithWorktree(dir)
	}
	return lines(out), nil
}

// Merge merges branch into the branch checked out at baseDir with a merge
// commit. On a textual conflict the merge is aborted, the base is left
// untouched, and the conflicting files are returned with an error matching
// ErrMergeConflict.
func (m *Manager) Merge(ctx context.Context, baseDir, branch, message string) ([]string, error) {
	_, err := m.git(ctx, baseDir, "merge", "--no-ff", "--no-edit", "-m", message, branch)
	if err == nil {
		return nil, nil
	}

	out, diffErr := m.git(ctx, baseDir, "diff", "--name-only", "--diff-filter=U")
	conflicts := lines(out)
	_, _ = m.git(ctx, baseDir, "merge", "--abort")

	if diffErr == nil && len(conflicts) > 0 {
		m.logger.Warn("merge conflict", "branch", branch, "files", conflicts)
		return conflicts, errors.NewGitError(
			fmt.Sprintf("merging %s conflicts in %d files", branch, len(conflicts)), errors.ErrMergeConflict,
		).WithBranch(branch).WithWorktree(baseDir).WithRepository(m.repoDir)
	}
	return nil, m.wrap("merge", err).WithBranch(branch).WithWorktree(baseDir)
}

// Remove removes a worktree, pruning stale metadata if git cannot remove it cleanly.
func (m *Manager) Remove(ctx context.Context, path string) error {
	if _, err := m.git(ctx, m.repoDir, "worktree", "remove", "--force", path); err != nil {
		_ = os.RemoveAll(path)
		_, _ = m.git(ctx, m.repoDir, "worktree", "prune")
		if _, statErr := os.Stat(path); statErr == nil {
			return m.wrap("remove worktree", err).WithWorktree(path)
		}
	}
	return nil
}

// RemoveRun removes every worktree of a run. Branches are kept for audit.
func (m *Manager) RemoveRun(ctx context.Context, runID string) error {
	entries, err := os.ReadDir(m.RunDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewGitError("list run worktrees", err).WithWorktree(m.RunDir(runID))
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			if err := m.Remove(ctx, filepath.Join(m.RunDir(runID), e.Name())); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) == 0 {
		_ = os.Remove(m.RunDir(runID))
	}
	return errors.Join(errs...)
}

// gitError carries the output of a failed git invocation.
type gitError struct {
	output string
	err    error
}

func (e *gitError) Error() string { return e.err.Error() }
func (e *gitError) Unwrap() error { return e.err }

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	res := m.exec.ExecuteCommand(ctx, "git", args, command.Options{
		Dir:     dir,
		Env:     []string{"GIT_TERMINAL_PROMPT=0"},
		Timeout: m.timeout,
	})
	if res.Error != nil {
		return res.Output, &gitError{output: res.Output, err: res.Error}
	}
	if res.ExitCode != 0 {
		return res.Output, &gitError{
			output: res.Output,
			err:    fmt.Errorf("git %s exited with code %d", args[0], res.ExitCode),
		}
	}
	return res.Output, nil
}

func (m *Manager) wrap(op string, err error) *errors.GitError {
	ge := errors.NewGitError(op, err).WithRepository(m.repoDir)
	var inner *gitError
	if errors.As(err, &inner) {
		ge = ge.WithGitOutput(strings.TrimSpace(inner.output))
	}
	return ge
}

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(s), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
