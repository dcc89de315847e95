package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Iron-Ham/foreman/internal/errors"
)

// ExcludePattern keeps agent-facing artifacts out of task commits.
const ExcludePattern = "/.foreman/"

// Options configure a Manager.
type Options struct {
	RepoDir      string
	Trunk        string // default "main"
	Remote       string // empty disables pushing
	WorktreeDir  string // parent directory of task worktrees
	BranchPrefix string // default "foreman"
	Executor     CommandExecutor
}

// Manager implements Repository with the git CLI. Task worktrees live at
// <WorktreeDir>/<task-id> on branch <BranchPrefix>/<task-id>.
type Manager struct {
	repoDir      string
	trunk        string
	remote       string
	worktreeDir  string
	branchPrefix string
	executor     CommandExecutor
}

// FindGitRoot returns the top-level directory of the repository containing startDir.
func FindGitRoot(startDir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = startDir
	output, err := cmd.Output()
	if err != nil {
		return "", errors.NewGitError("failed to locate repository root", errors.ErrNotGitRepository).
			WithRepository(startDir)
	}
	return strings.TrimSpace(string(output)), nil
}

// New creates a Manager for opts.RepoDir.
func New(opts Options) (*Manager, error) {
	if opts.RepoDir == "" {
		return nil, errors.NewValidationError("repository directory is required").WithField("RepoDir")
	}
	if opts.WorktreeDir == "" {
		return nil, errors.NewValidationError("worktree directory is required").WithField("WorktreeDir")
	}
	m := &Manager{
		repoDir:      opts.RepoDir,
		trunk:        opts.Trunk,
		remote:       opts.Remote,
		worktreeDir:  opts.WorktreeDir,
		branchPrefix: opts.BranchPrefix,
		executor:     opts.Executor,
	}
	if m.trunk == "" {
		m.trunk = "main"
	}
	if m.branchPrefix == "" {
		m.branchPrefix = "foreman"
	}
	if m.executor == nil {
		m.executor = NewCLICommandExecutor()
	}
	return m, nil
}

// RepoDir returns the main working copy path.
func (m *Manager) RepoDir() string { return m.repoDir }

// Trunk returns the branch task work is merged into.
func (m *Manager) Trunk() string { return m.trunk }

// HasRemote reports whether pushing is configured.
func (m *Manager) HasRemote() bool { return m.remote != "" }

// BranchName returns the task branch for taskID.
func (m *Manager) BranchName(taskID string) string {
	return m.branchPrefix + "/" + taskID
}

// WorktreePath returns the worktree location for taskID.
func (m *Manager) WorktreePath(taskID string) string {
	return filepath.Join(m.worktreeDir, taskID)
}

func (m *Manager) git(dir string, args ...string) (string, error) {
	output, err := m.executor.Run(dir, "git", args...)
	return string(output), err
}

// CreateTaskWorktree creates (or reuses) the worktree for taskID. An existing
// task branch is checked out as-is so preserved work carries forward;
// otherwise a new branch is cut from trunk.
func (m *Manager) CreateTaskWorktree(taskID string) (string, string, error) {
	path := m.WorktreePath(taskID)
	branch := m.BranchName(taskID)

	// Drop registrations whose directories vanished in a crash.
	_, _ = m.git(m.repoDir, "worktree", "prune")

	if m.isRegisteredWorktree(path) {
		return path, branch, m.ensureExcluded(ExcludePattern)
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return "", "", errors.NewGitError("failed to clear stale worktree directory", err).WithWorktree(path)
		}
	}
	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return "", "", errors.NewGitError("failed to create worktree directory", err).WithWorktree(m.worktreeDir)
	}

	var args []string
	if m.BranchExists(branch) {
		args = []string{"worktree", "add", path, branch}
	} else {
		args = []string{"worktree", "add", "-b", branch, path, m.trunk}
	}
	if output, err := m.git(m.repoDir, args...); err != nil {
		return "", "", errors.NewGitError("failed to create worktree", err).
			WithBranch(branch).
			WithWorktree(path).
			WithGitOutput(output)
	}

	if err := m.ensureExcluded(ExcludePattern); err != nil {
		return "", "", err
	}
	return path, branch, nil
}

func (m *Manager) isRegisteredWorktree(path string) bool {
	output, err := m.git(m.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return false
	}
	for _, line := range splitLines(output) {
		if strings.TrimPrefix(line, "worktree ") == path {
			return true
		}
	}
	return false
}

// RemoveTaskWorktree removes the worktree at path. A missing worktree is not an error.
func (m *Manager) RemoveTaskWorktree(path string) error {
	if path == "" {
		return nil
	}
	output, err := m.git(m.repoDir, "worktree", "remove", "--force", path)
	if err != nil && !strings.Contains(output, "is not a working tree") && !strings.Contains(output, "does not exist") {
		return errors.NewGitError("failed to remove worktree", err).
			WithWorktree(path).
			WithGitOutput(output)
	}
	if err := os.RemoveAll(path); err != nil {
		return errors.NewGitError("failed to delete worktree directory", err).WithWorktree(path)
	}
	_, _ = m.git(m.repoDir, "worktree", "prune")
	return nil
}

// CommitWIP stages and commits everything in worktree. Returns false if
// there was nothing to commit. Hooks are skipped so a half-finished tree
// can always be checkpointed.
func (m *Manager) CommitWIP(worktree, message string) (bool, error) {
	status, err := m.git(worktree, "status", "--porcelain")
	if err != nil {
		return false, errors.NewGitError("failed to check git status", err).
			WithWorktree(worktree).
			WithGitOutput(status)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}

	if output, err := m.git(worktree, "add", "-A"); err != nil {
		return false, errors.NewGitError("failed to stage changes", err).
			WithWorktree(worktree).
			WithGitOutput(output)
	}
	output, err := m.git(worktree, "commit", "--no-verify", "-m", message)
	if err != nil {
		if strings.Contains(output, "nothing to commit") {
			return false, nil
		}
		return false, errors.NewGitError("failed to commit changes", err).
			WithWorktree(worktree).
			WithGitOutput(output)
	}
	return true, nil
}

// CaptureUncommittedDiff returns the diff of the worktree against its HEAD.
func (m *Manager) CaptureUncommittedDiff(worktree string) (string, error) {
	output, err := m.git(worktree, "diff", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to capture uncommitted diff", err).
			WithWorktree(worktree).
			WithGitOutput(output)
	}
	return output, nil
}

// CaptureBranchDiff returns the changes on branch since it diverged from
// trunk. It runs in the main repository and never checks the branch out.
func (m *Manager) CaptureBranchDiff(branch string) (string, error) {
	output, err := m.git(m.repoDir, "diff", m.trunk+"..."+branch)
	if err != nil {
		return "", errors.NewGitError("failed to capture branch diff", err).
			WithBranch(branch).
			WithGitOutput(output)
	}
	return output, nil
}

// GetChangedFiles lists files changed on branch since it diverged from trunk.
func (m *Manager) GetChangedFiles(branch string) ([]string, error) {
	output, err := m.git(m.repoDir, "diff", "--name-only", m.trunk+"..."+branch)
	if err != nil {
		return nil, errors.NewGitError("failed to list changed files", err).
			WithBranch(branch).
			WithGitOutput(output)
	}
	return splitLines(output), nil
}

// GetCommitCountAhead counts commits on branch that trunk does not have.
func (m *Manager) GetCommitCountAhead(branch string) (int, error) {
	output, err := m.git(m.repoDir, "rev-list", "--count", m.trunk+".."+branch)
	if err != nil {
		if !m.BranchExists(branch) {
			return 0, errors.NewGitError("failed to count commits", errors.ErrBranchNotFound).WithBranch(branch)
		}
		return 0, errors.NewGitError("failed to count commits", err).
			WithBranch(branch).
			WithGitOutput(output)
	}
	count, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return 0, errors.NewGitError("failed to parse commit count", err).WithBranch(branch)
	}
	return count, nil
}

// BranchExists reports whether a local branch exists.
func (m *Manager) BranchExists(branch string) bool {
	return m.executor.RunQuiet(m.repoDir, "git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch) == nil
}

// DeleteBranch force-deletes a local branch.
func (m *Manager) DeleteBranch(branch string) error {
	output, err := m.git(m.repoDir, "branch", "-D", branch)
	if err != nil {
		if strings.Contains(output, "not found") {
			return errors.NewGitError("failed to delete branch", errors.ErrBranchNotFound).WithBranch(branch)
		}
		return errors.NewGitError("failed to delete branch", err).
			WithBranch(branch).
			WithGitOutput(output)
	}
	return nil
}

// EnsureOnMain checks out trunk in the main working copy.
func (m *Manager) EnsureOnMain() error {
	current, err := m.git(m.repoDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return errors.NewGitError("failed to read current branch", err).
			WithRepository(m.repoDir).
			WithGitOutput(current)
	}
	if strings.TrimSpace(current) == m.trunk {
		return nil
	}

	output, err := m.git(m.repoDir, "checkout", m.trunk)
	if err != nil {
		cause := err
		if strings.Contains(output, "would be overwritten") {
			cause = errors.ErrDirtyWorktree
		}
		return errors.NewGitError("failed to check out trunk", cause).
			WithBranch(m.trunk).
			WithRepository(m.repoDir).
			WithGitOutput(output)
	}
	return nil
}

// MergeBranch merges branch into trunk with a merge commit. On conflict the
// merge is aborted and a *ConflictError listing the files is returned.
func (m *Manager) MergeBranch(branch, message string) error {
	if err := m.EnsureOnMain(); err != nil {
		return err
	}

	output, err := m.git(m.repoDir, "merge", "--no-ff", "-m", message, branch)
	if err == nil {
		return nil
	}
	if !isConflictOutput(output) {
		return errors.NewGitError("failed to merge branch", err).
			WithBranch(branch).
			WithGitOutput(output)
	}

	files, _ := m.conflictingFiles()
	_, _ = m.git(m.repoDir, "merge", "--abort")
	return &ConflictError{Op: OpMerge, Branch: branch, Files: files, Output: output}
}

// PushMain rebases trunk onto the remote and pushes it. A rebase that stops
// on conflicts is left in progress and reported as a *ConflictError.
func (m *Manager) PushMain() error {
	if !m.HasRemote() {
		return errors.NewGitError("cannot push trunk", errors.ErrNoRemote).WithBranch(m.trunk)
	}
	if err := m.EnsureOnMain(); err != nil {
		return err
	}

	output, err := m.git(m.repoDir, "pull", "--rebase", m.remote, m.trunk)
	if err != nil {
		if isConflictOutput(output) || m.IsRebaseInProgress() {
			files, _ := m.conflictingFiles()
			return &ConflictError{Op: OpRebase, Branch: m.trunk, Files: files, Output: output}
		}
		return errors.NewGitError("failed to rebase trunk on remote", err).
			WithBranch(m.trunk).
			WithGitOutput(output).
			WithRetryable(true)
	}

	output, err = m.git(m.repoDir, "push", m.remote, m.trunk)
	if err != nil {
		return errors.NewGitError("failed to push trunk", err).
			WithBranch(m.trunk).
			WithGitOutput(output).
			WithRetryable(true)
	}
	return nil
}

func (m *Manager) conflictingFiles() ([]string, error) {
	output, err := m.git(m.repoDir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, errors.NewGitError("failed to get conflicting files", err).WithGitOutput(output)
	}
	return splitLines(output), nil
}

// ConflictDiff returns the working-copy diff of the main repository,
// including conflict markers of an in-progress rebase.
func (m *Manager) ConflictDiff() (string, error) {
	output, err := m.git(m.repoDir, "diff")
	if err != nil {
		return "", errors.NewGitError("failed to capture conflict diff", err).WithGitOutput(output)
	}
	return output, nil
}

// IsRebaseInProgress reports whether the main repository is mid-rebase.
func (m *Manager) IsRebaseInProgress() bool {
	gitDir, err := m.gitDir(m.repoDir)
	if err != nil {
		return false
	}
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(gitDir, name)); err == nil {
			return true
		}
	}
	return false
}

// RebaseAbort aborts an in-progress rebase in the main repository.
func (m *Manager) RebaseAbort() error {
	output, err := m.git(m.repoDir, "rebase", "--abort")
	if err != nil && !strings.Contains(output, "No rebase in progress") {
		return errors.NewGitError("failed to abort rebase", err).
			WithRepository(m.repoDir).
			WithGitOutput(output)
	}
	return nil
}

// gitDir resolves the git directory for dir (the per-worktree one for
// linked worktrees).
func (m *Manager) gitDir(dir string) (string, error) {
	return m.revParsePath(dir, "--git-dir")
}

func (m *Manager) commonDir() (string, error) {
	return m.revParsePath(m.repoDir, "--git-common-dir")
}

func (m *Manager) revParsePath(dir, flag string) (string, error) {
	output, err := m.git(dir, "rev-parse", flag)
	if err != nil {
		return "", errors.NewGitError("failed to resolve git directory", err).
			WithRepository(dir).
			WithGitOutput(output)
	}
	path := strings.TrimSpace(output)
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return path, nil
}
