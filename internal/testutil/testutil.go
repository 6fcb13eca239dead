// Package testutil provides git fixtures for swarm tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// SetupTestRepo creates a temporary git repository with one commit on main.
// The repository is removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	steps := [][]string{
		{"init"},
		{"config", "user.email", "test@swarm.dev"},
		{"config", "user.name", "Swarm Test"},
		{"config", "commit.gpgsign", "false"},
	}
	for _, args := range steps {
		if err := RunGit(dir, args...); err != nil {
			t.Fatalf("setup repo: %v", err)
		}
	}

	// git worktree requires at least one commit
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test Repository\n"), 0644); err != nil {
		t.Fatalf("failed to create README: %v", err)
	}
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "Initial commit"}, {"branch", "-M", "main"}} {
		if err := RunGit(dir, args...); err != nil {
			t.Fatalf("setup repo: %v", err)
		}
	}
	return dir
}

// CommitFile creates or updates a file and commits it.
func CommitFile(t *testing.T, repoDir, path, content, message string) {
	t.Helper()

	full := filepath.Join(repoDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
	if err := RunGit(repoDir, "add", path); err != nil {
		t.Fatalf("failed to stage %s: %v", path, err)
	}
	if err := RunGit(repoDir, "commit", "-m", message); err != nil {
		t.Fatalf("failed to commit %s: %v", path, err)
	}
}

// CurrentBranch returns the branch checked out in repoDir.
func CurrentBranch(t *testing.T, repoDir string) string {
	t.Helper()

	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("failed to get current branch: %v", err)
	}
	return strings.TrimSpace(string(out))
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}

// RunGit runs a git command in dir with a fixed identity.
func RunGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Swarm Test",
		"GIT_AUTHOR_EMAIL=test@swarm.dev",
		"GIT_COMMITTER_NAME=Swarm Test",
		"GIT_COMMITTER_EMAIL=test@swarm.dev",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &gitError{args: args, output: out, err: err}
	}
	return nil
}

type gitError struct {
	args   []string
	output []byte
	err    error
}

func (e *gitError) Error() string {
	return "git " + strings.Join(e.args, " ") + ": " + e.err.Error() + "\n" + string(e.output)
}

func (e *gitError) Unwrap() error {
	return e.err
}
