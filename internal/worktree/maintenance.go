package worktree

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
)

// idlePollInterval is how often WaitForIdle re-checks the index lock.
var idlePollInterval = 200 * time.Millisecond

// ensureExcluded adds pattern to the shared info/exclude file once.
func (m *Manager) ensureExcluded(pattern string) error {
	common, err := m.commonDir()
	if err != nil {
		return err
	}
	excludePath := filepath.Join(common, "info", "exclude")

	existing, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return errors.NewGitError("failed to read info/exclude", err).WithRepository(m.repoDir)
	}
	for _, line := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(excludePath), 0755); err != nil {
		return errors.NewGitError("failed to create info directory", err).WithRepository(m.repoDir)
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.NewGitError("failed to open info/exclude", err).WithRepository(m.repoDir)
	}
	defer f.Close()

	prefix := ""
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		prefix = "\n"
	}
	if _, err := f.WriteString(prefix + pattern + "\n"); err != nil {
		return errors.NewGitError("failed to update info/exclude", err).WithRepository(m.repoDir)
	}
	return nil
}

// ClearStaleLocks removes index.lock files older than olderThan from the
// main repository and every linked worktree. A lock that old belongs to a
// git process that died. Returns the removed paths.
func (m *Manager) ClearStaleLocks(olderThan time.Duration) ([]string, error) {
	common, err := m.commonDir()
	if err != nil {
		return nil, err
	}

	candidates := []string{filepath.Join(common, "index.lock")}
	linked, _ := filepath.Glob(filepath.Join(common, "worktrees", "*", "index.lock"))
	candidates = append(candidates, linked...)

	var removed []string
	var errs []error
	for _, lock := range candidates {
		info, err := os.Stat(lock)
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < olderThan {
			continue
		}
		if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, lock)
	}
	if len(errs) > 0 {
		return removed, errors.NewGitError("failed to remove stale locks", errors.Join(errs...)).WithRepository(m.repoDir)
	}
	return removed, nil
}

// WaitForIdle blocks until the worktree's index.lock is gone, the timeout
// elapses, or ctx is done.
func (m *Manager) WaitForIdle(ctx context.Context, worktree string, timeout time.Duration) error {
	gitDir, err := m.gitDir(worktree)
	if err != nil {
		return err
	}
	lock := filepath.Join(gitDir, "index.lock")

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(lock); os.IsNotExist(err) {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.NewTimeoutError("waiting for git index lock in "+worktree, timeout).WithCause(errors.ErrGitBusy)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LinkShared symlinks each repo-relative path from the main repository into
// worktree when the worktree lacks it, e.g. untracked dependency caches.
// Linked paths are excluded from git so WIP commits never pick them up.
func (m *Manager) LinkShared(worktree string, paths []string) error {
	var errs []error
	for _, rel := range paths {
		src := filepath.Join(m.repoDir, rel)
		dst := filepath.Join(worktree, rel)

		if _, err := os.Stat(src); err != nil {
			continue
		}
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Symlink(src, dst); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.ensureExcluded("/" + filepath.ToSlash(rel)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.NewGitError("failed to link shared resources", errors.Join(errs...)).WithWorktree(worktree)
	}
	return nil
}

// TaskBranches returns the IDs of tasks that have a local task branch.
func (m *Manager) TaskBranches() ([]string, error) {
	prefix := m.branchPrefix + "/"
	output, err := m.git(m.repoDir, "for-each-ref", "--format=%(refname:short)", "refs/heads/"+prefix)
	if err != nil {
		return nil, errors.NewGitError("failed to list task branches", err).WithGitOutput(output)
	}
	var ids []string
	for _, line := range splitLines(output) {
		if id, ok := strings.CutPrefix(line, prefix); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// TaskWorktrees returns the IDs of tasks with a directory under the
// worktree root, registered with git or not.
func (m *Manager) TaskWorktrees() ([]string, error) {
	entries, err := os.ReadDir(m.worktreeDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewGitError("failed to list worktrees", err).WithWorktree(m.worktreeDir)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
