package worktree

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/foreman/internal/testutil"
)

func newTestManager(t *testing.T, repo, remote string) *Manager {
	t.Helper()
	base := t.TempDir()
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}
	m, err := New(Options{
		RepoDir:     repo,
		Remote:      remote,
		WorktreeDir: filepath.Join(base, "worktrees"),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

func TestTaskWorktreeLifecycle(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	m := newTestManager(t, repo, "")

	path, branch, err := m.CreateTaskWorktree("fm-1")
	if err != nil {
		t.Fatalf("CreateTaskWorktree() error = %v", err)
	}
	if branch != "foreman/fm-1" {
		t.Errorf("branch = %q", branch)
	}

	// Agent artifacts stay out of commits.
	testutil.WriteFile(t, path, ".foreman/prompt.md", "do the thing")
	committed, err := m.CommitWIP(path, "wip")
	if err != nil || committed {
		t.Fatalf("CommitWIP() with only artifacts = %v, %v", committed, err)
	}

	testutil.WriteFile(t, path, "pkg/feature.go", "package pkg\n")
	diff, err := m.CaptureUncommittedDiff(path)
	if err != nil {
		t.Fatalf("CaptureUncommittedDiff() error = %v", err)
	}
	if diff != "" {
		t.Errorf("untracked files should not appear in HEAD diff, got %q", diff)
	}

	committed, err = m.CommitWIP(path, "wip: fm-1")
	if err != nil || !committed {
		t.Fatalf("CommitWIP() = %v, %v", committed, err)
	}

	count, err := m.GetCommitCountAhead(branch)
	if err != nil || count != 1 {
		t.Errorf("GetCommitCountAhead() = %d, %v; want 1", count, err)
	}
	files, err := m.GetChangedFiles(branch)
	if err != nil || len(files) != 1 || files[0] != "pkg/feature.go" {
		t.Errorf("GetChangedFiles() = %v, %v", files, err)
	}
	branchDiff, err := m.CaptureBranchDiff(branch)
	if err != nil || !strings.Contains(branchDiff, "package pkg") {
		t.Errorf("CaptureBranchDiff() = %q, %v", branchDiff, err)
	}
	if testutil.CurrentBranch(t, repo) != "main" {
		t.Error("introspection must not check out the task branch in the main repo")
	}

	if err := m.RemoveTaskWorktree(path); err != nil {
		t.Fatalf("RemoveTaskWorktree() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("worktree directory should be gone")
	}
	if err := m.RemoveTaskWorktree(path); err != nil {
		t.Errorf("removing a missing worktree should succeed, got %v", err)
	}

	// The branch survives worktree removal and is reused on the next attempt.
	if !m.BranchExists(branch) {
		t.Fatal("branch should survive worktree removal")
	}
	path2, _, err := m.CreateTaskWorktree("fm-1")
	if err != nil {
		t.Fatalf("recreate error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(path2, "pkg", "feature.go")); err != nil {
		t.Errorf("preserved work missing from reused branch: %v", err)
	}

	if err := m.RemoveTaskWorktree(path2); err != nil {
		t.Fatalf("RemoveTaskWorktree() error = %v", err)
	}
	if err := m.DeleteBranch(branch); err != nil {
		t.Fatalf("DeleteBranch() error = %v", err)
	}
	if m.BranchExists(branch) {
		t.Error("branch should be deleted")
	}
}

func TestCreateTaskWorktree_ReusesRegisteredWorktree(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	m := newTestManager(t, repo, "")

	first, _, err := m.CreateTaskWorktree("fm-2")
	if err != nil {
		t.Fatalf("CreateTaskWorktree() error = %v", err)
	}
	testutil.WriteFile(t, first, "scratch.txt", "in progress")

	second, _, err := m.CreateTaskWorktree("fm-2")
	if err != nil {
		t.Fatalf("second CreateTaskWorktree() error = %v", err)
	}
	if first != second {
		t.Errorf("paths differ: %q vs %q", first, second)
	}
	if _, err := os.Stat(filepath.Join(second, "scratch.txt")); err != nil {
		t.Error("existing worktree contents should be kept")
	}
}

func TestMergeBranchIntoTrunk(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	m := newTestManager(t, repo, "")

	path, branch, err := m.CreateTaskWorktree("fm-3")
	if err != nil {
		t.Fatalf("CreateTaskWorktree() error = %v", err)
	}
	testutil.CommitFile(t, path, "done.txt", "ok\n", "implement fm-3")

	if err := m.MergeBranch(branch, "Merge fm-3"); err != nil {
		t.Fatalf("MergeBranch() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "done.txt")); err != nil {
		t.Error("merged file should be on trunk")
	}
	count, _ := m.GetCommitCountAhead(branch)
	if count != 0 {
		t.Errorf("branch should have no commits ahead after merge, got %d", count)
	}
}

func TestMergeBranch_Conflict(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	m := newTestManager(t, repo, "")

	path, branch, err := m.CreateTaskWorktree("fm-4")
	if err != nil {
		t.Fatalf("CreateTaskWorktree() error = %v", err)
	}
	testutil.CommitFile(t, path, "README.md", "task version\n", "task edit")
	testutil.CommitFile(t, repo, "README.md", "trunk version\n", "trunk edit")

	err = m.MergeBranch(branch, "Merge fm-4")
	conflict, ok := AsConflict(err)
	if !ok {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflict.Files) != 1 || conflict.Files[0] != "README.md" {
		t.Errorf("Files = %v", conflict.Files)
	}
	if strings.TrimSpace(testutil.RunGit(t, repo, "status", "--porcelain")) != "" {
		t.Error("merge should be aborted, leaving a clean trunk")
	}
}

func TestPushMain(t *testing.T) {
	repo, remote := testutil.SetupTestRepoWithRemote(t)
	m := newTestManager(t, repo, "origin")

	testutil.CommitFile(t, repo, "a.txt", "a\n", "add a")
	if err := m.PushMain(); err != nil {
		t.Fatalf("PushMain() error = %v", err)
	}
	remoteHead := testutil.RunGit(t, remote, "rev-parse", "main")
	localHead := testutil.RunGit(t, repo, "rev-parse", "main")
	if remoteHead != localHead {
		t.Errorf("remote main = %s, local main = %s", remoteHead, localHead)
	}
}

func TestPushMain_RebaseConflict(t *testing.T) {
	repo, remote := testutil.SetupTestRepoWithRemote(t)
	m := newTestManager(t, repo, "origin")

	other := testutil.CloneRemote(t, remote)
	testutil.CommitFile(t, other, "shared.txt", "theirs\n", "their change")
	testutil.RunGit(t, other, "push", "origin", "main")

	testutil.CommitFile(t, repo, "shared.txt", "ours\n", "our change")

	err := m.PushMain()
	conflict, ok := AsConflict(err)
	if !ok {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Op != OpRebase {
		t.Errorf("Op = %q", conflict.Op)
	}
	if len(conflict.Files) != 1 || conflict.Files[0] != "shared.txt" {
		t.Errorf("Files = %v", conflict.Files)
	}
	if !m.IsRebaseInProgress() {
		t.Fatal("rebase should be left in progress for resolution")
	}
	diff, err := m.ConflictDiff()
	if err != nil || !strings.Contains(diff, "<<<<<<<") {
		t.Errorf("ConflictDiff() = %q, %v", diff, err)
	}

	if err := m.RebaseAbort(); err != nil {
		t.Fatalf("RebaseAbort() error = %v", err)
	}
	if m.IsRebaseInProgress() {
		t.Error("rebase should no longer be in progress")
	}
}

func TestClearStaleLocks(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	m := newTestManager(t, repo, "")

	lock := filepath.Join(repo, ".git", "index.lock")
	if err := os.WriteFile(lock, nil, 0644); err != nil {
		t.Fatal(err)
	}

	removed, err := m.ClearStaleLocks(time.Hour)
	if err != nil || len(removed) != 0 {
		t.Fatalf("fresh lock should be kept: %v, %v", removed, err)
	}

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(lock, old, old); err != nil {
		t.Fatal(err)
	}
	removed, err = m.ClearStaleLocks(time.Hour)
	if err != nil || len(removed) != 1 {
		t.Fatalf("ClearStaleLocks() = %v, %v", removed, err)
	}
	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Error("stale lock should be removed")
	}
}

func TestWaitForIdle(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	m := newTestManager(t, repo, "")

	path, _, err := m.CreateTaskWorktree("fm-5")
	if err != nil {
		t.Fatalf("CreateTaskWorktree() error = %v", err)
	}
	if err := m.WaitForIdle(context.Background(), path, time.Second); err != nil {
		t.Fatalf("WaitForIdle() on idle worktree = %v", err)
	}

	gitDir := testutil.RunGit(t, path, "rev-parse", "--git-dir")
	lock := filepath.Join(gitDir, "index.lock")
	if err := os.WriteFile(lock, nil, 0644); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(300 * time.Millisecond)
		os.Remove(lock)
	}()
	if err := m.WaitForIdle(context.Background(), path, 5*time.Second); err != nil {
		t.Errorf("WaitForIdle() should succeed once the lock clears: %v", err)
	}
}

func TestLinkShared(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	m := newTestManager(t, repo, "")
	testutil.WriteFile(t, repo, "node_modules/dep/index.js", "module.exports = 1\n")

	path, _, err := m.CreateTaskWorktree("fm-6")
	if err != nil {
		t.Fatalf("CreateTaskWorktree() error = %v", err)
	}
	if err := m.LinkShared(path, []string{"node_modules", "missing-dir"}); err != nil {
		t.Fatalf("LinkShared() error = %v", err)
	}

	target, err := os.Readlink(filepath.Join(path, "node_modules"))
	if err != nil || target != filepath.Join(repo, "node_modules") {
		t.Errorf("Readlink() = %q, %v", target, err)
	}
	if _, err := os.Lstat(filepath.Join(path, "missing-dir")); !os.IsNotExist(err) {
		t.Error("paths absent from the repo should not be linked")
	}
	committed, err := m.CommitWIP(path, "wip")
	if err != nil || committed {
		t.Errorf("linked resources must not be committed: %v, %v", committed, err)
	}
}

func TestTaskBranchesAndWorktrees(t *testing.T) {
	repo := testutil.SetupTestRepo(t)
	m := newTestManager(t, repo, "")

	ids, err := m.TaskWorktrees()
	if err != nil || len(ids) != 0 {
		t.Fatalf("TaskWorktrees() before any task = %v, %v", ids, err)
	}

	for _, id := range []string{"fm-1", "fm-2"} {
		if _, _, err := m.CreateTaskWorktree(id); err != nil {
			t.Fatalf("CreateTaskWorktree(%s) error = %v", id, err)
		}
	}
	testutil.RunGit(t, repo, "branch", "unrelated")
	if err := m.RemoveTaskWorktree(m.WorktreePath("fm-2")); err != nil {
		t.Fatal(err)
	}

	branches, err := m.TaskBranches()
	if err != nil {
		t.Fatalf("TaskBranches() error = %v", err)
	}
	if strings.Join(branches, ",") != "fm-1,fm-2" {
		t.Errorf("TaskBranches() = %v", branches)
	}
	worktrees, err := m.TaskWorktrees()
	if err != nil {
		t.Fatalf("TaskWorktrees() error = %v", err)
	}
	if strings.Join(worktrees, ",") != "fm-1" {
		t.Errorf("TaskWorktrees() = %v", worktrees)
	}
}
