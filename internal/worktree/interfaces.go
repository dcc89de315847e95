package worktree

import (
	"context"
	"time"
)

// TaskWorkspace covers the lifecycle of a task's isolated working copy.
type TaskWorkspace interface {
	BranchName(taskID string) string
	WorktreePath(taskID string) string
	CreateTaskWorktree(taskID string) (path, branch string, err error)
	RemoveTaskWorktree(path string) error
	CommitWIP(worktree, message string) (bool, error)
	CaptureUncommittedDiff(worktree string) (string, error)
	LinkShared(worktree string, paths []string) error
	WaitForIdle(ctx context.Context, worktree string, timeout time.Duration) error
}

// BranchInspector reads task branches from the main repository without
// checking them out.
type BranchInspector interface {
	CaptureBranchDiff(branch string) (string, error)
	GetChangedFiles(branch string) ([]string, error)
	GetCommitCountAhead(branch string) (int, error)
	BranchExists(branch string) bool
	DeleteBranch(branch string) error
}

// TrunkOperations mutate the shared trunk. Callers must serialize them.
type TrunkOperations interface {
	EnsureOnMain() error
	MergeBranch(branch, message string) error
	PushMain() error
	HasRemote() bool
	IsRebaseInProgress() bool
	RebaseAbort() error
	ConflictDiff() (string, error)
	ClearStaleLocks(olderThan time.Duration) ([]string, error)
	Trunk() string
	RepoDir() string
}

// Repository is everything the scheduler needs from git.
type Repository interface {
	TaskWorkspace
	BranchInspector
	TrunkOperations
}

var (
	_ TaskWorkspace   = (*Manager)(nil)
	_ BranchInspector = (*Manager)(nil)
	_ TrunkOperations = (*Manager)(nil)
	_ Repository      = (*Manager)(nil)
)
