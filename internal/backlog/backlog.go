// Package backlog is the task store the scheduler draws work from: tasks,
// their blocking dependencies, comments, and the per-task attempt counter.
package backlog

import (
	"context"
	"time"
)

// Status is a task's lifecycle state.
type Status string

// Task statuses
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// ValidStatuses lists every status.
func ValidStatuses() []Status {
	return []Status{StatusOpen, StatusInProgress, StatusBlocked, StatusClosed}
}

// Type distinguishes schedulable tasks from epics.
type Type string

// Task types
const (
	TypeTask Type = "task"
	TypeEpic Type = "epic"
)

// Task is a unit of work. Higher Priority values are scheduled later.
type Task struct {
	ID                 string
	ProjectID          string
	Title              string
	Description        string
	Status             Status
	Type               Type
	Priority           int
	Assignee           string
	CumulativeAttempts int
	CloseSummary       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsEpic reports whether the task groups other tasks.
func (t *Task) IsEpic() bool {
	return t.Type == TypeEpic
}

// TaskUpdate changes the non-nil fields.
type TaskUpdate struct {
	Status   *Status
	Assignee *string
	Priority *int
}

// Ptr returns a pointer to v, for building a TaskUpdate.
func Ptr[T any](v T) *T {
	return &v
}

// Comment is an audit note on a task.
type Comment struct {
	ID        int64
	TaskID    string
	Author    string
	Body      string
	CreatedAt time.Time
}

// Backlog is the view of one project's tasks the scheduler uses.
type Backlog interface {
	// Ready returns open tasks whose blockers are all closed, in scheduling order.
	Ready(ctx context.Context) ([]*Task, error)
	Show(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, id string, update TaskUpdate) error
	Close(ctx context.Context, id, summary string) error
	Comment(ctx context.Context, id, text string) error
	GetCumulativeAttempts(ctx context.Context, id string) (int, error)
	SetCumulativeAttempts(ctx context.Context, id string, n int) error
	AreAllBlockersClosed(ctx context.Context, id string) (bool, error)
	ListAll(ctx context.Context) ([]*Task, error)
}
