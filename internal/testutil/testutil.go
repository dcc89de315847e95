// Package testutil provides git fixtures for foreman tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when the git binary is unavailable.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// RunGit runs git in dir and fails the test on error.
func RunGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output))
}

// SetupTestRepo creates a temporary repository on branch main with one
// commit. It is removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()
	RequireGit(t)

	dir := t.TempDir()
	// Resolve symlinks (macOS /var -> /private/var) so paths match git output.
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}

	RunGit(t, dir, "init")
	RunGit(t, dir, "config", "user.email", "test@foreman.dev")
	RunGit(t, dir, "config", "user.name", "Foreman Test")
	RunGit(t, dir, "config", "commit.gpgsign", "false")
	CommitFile(t, dir, "README.md", "# Test Repository\n", "Initial commit")
	RunGit(t, dir, "branch", "-M", "main")
	return dir
}

// SetupTestRepoWithRemote creates a repository whose origin is a bare
// repository with main already pushed.
func SetupTestRepoWithRemote(t *testing.T) (repoDir, remoteDir string) {
	t.Helper()

	remoteDir = t.TempDir()
	RequireGit(t)
	RunGit(t, remoteDir, "init", "--bare", "--initial-branch=main")

	repoDir = SetupTestRepo(t)
	RunGit(t, repoDir, "remote", "add", "origin", remoteDir)
	RunGit(t, repoDir, "push", "-u", "origin", "main")
	return repoDir, remoteDir
}

// CloneRemote clones remoteDir into a fresh directory configured for commits.
func CloneRemote(t *testing.T, remoteDir string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "clone")
	RunGit(t, filepath.Dir(dir), "clone", remoteDir, dir)
	RunGit(t, dir, "config", "user.email", "other@foreman.dev")
	RunGit(t, dir, "config", "user.name", "Other Dev")
	RunGit(t, dir, "config", "commit.gpgsign", "false")
	return dir
}

// WriteFile writes content to a repo-relative path without committing.
func WriteFile(t *testing.T, dir, path, content string) {
	t.Helper()
	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// CommitFile writes and commits a single file.
func CommitFile(t *testing.T, dir, path, content, message string) {
	t.Helper()
	WriteFile(t, dir, path, content)
	RunGit(t, dir, "add", path)
	RunGit(t, dir, "commit", "-m", message)
}

// BranchExists reports whether a local branch exists.
func BranchExists(t *testing.T, dir, branch string) bool {
	t.Helper()
	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = dir
	return cmd.Run() == nil
}

// CurrentBranch returns the checked-out branch name.
func CurrentBranch(t *testing.T, dir string) string {
	t.Helper()
	return RunGit(t, dir, "rev-parse", "--abbrev-ref", "HEAD")
}
