// Package event defines the scheduler's lifecycle events and the in-process
// bus that carries them to notification consumers.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "task.updated", "agent.started")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers
const (
	TypeTaskUpdated    = "task.updated"
	TypeTaskBlocked    = "task.blocked"
	TypeTaskMerged     = "task.merged"
	TypeTaskFailed     = "task.failed"
	TypeAgentStarted   = "agent.started"
	TypeAgentCompleted = "agent.completed"
	TypeAgentOutput    = "agent.output"
	TypeSchedulerIdle  = "scheduler.idle"
	TypePushFailed     = "trunk.push_failed"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Task Events
// -----------------------------------------------------------------------------

// TaskUpdatedEvent is emitted whenever the scheduler changes a task's
// status, assignee, or priority in the backlog.
type TaskUpdatedEvent struct {
	baseEvent
	ProjectID string
	TaskID    string
	Status    string
	Priority  int
	Phase     string // scheduler phase at the time of the change
	Reason    string
}

// NewTaskUpdatedEvent creates a TaskUpdatedEvent.
func NewTaskUpdatedEvent(projectID, taskID, status string, priority int, phase, reason string) TaskUpdatedEvent {
	return TaskUpdatedEvent{
		baseEvent: newBaseEvent(TypeTaskUpdated),
		ProjectID: projectID,
		TaskID:    taskID,
		Status:    status,
		Priority:  priority,
		Phase:     phase,
		Reason:    reason,
	}
}

// TaskBlockedEvent is emitted when a task reaches the priority ceiling and
// is removed from scheduling until a human intervenes.
type TaskBlockedEvent struct {
	baseEvent
	ProjectID string
	TaskID    string
	Attempts  int
	Reason    string
}

// NewTaskBlockedEvent creates a TaskBlockedEvent.
func NewTaskBlockedEvent(projectID, taskID string, attempts int, reason string) TaskBlockedEvent {
	return TaskBlockedEvent{
		baseEvent: newBaseEvent(TypeTaskBlocked),
		ProjectID: projectID,
		TaskID:    taskID,
		Attempts:  attempts,
		Reason:    reason,
	}
}

// TaskMergedEvent is emitted after a task's branch lands on trunk and the
// task is closed.
type TaskMergedEvent struct {
	baseEvent
	ProjectID string
	TaskID    string
	Branch    string
	Pushed    bool
}

// NewTaskMergedEvent creates a TaskMergedEvent.
func NewTaskMergedEvent(projectID, taskID, branch string, pushed bool) TaskMergedEvent {
	return TaskMergedEvent{
		baseEvent: newBaseEvent(TypeTaskMerged),
		ProjectID: projectID,
		TaskID:    taskID,
		Branch:    branch,
		Pushed:    pushed,
	}
}

// TaskFailedEvent is emitted for every classified failure.
type TaskFailedEvent struct {
	baseEvent
	ProjectID   string
	TaskID      string
	FailureType string
	Infra       bool
	Attempt     int
	Reason      string
}

// NewTaskFailedEvent creates a TaskFailedEvent.
func NewTaskFailedEvent(projectID, taskID, failureType string, infra bool, attempt int, reason string) TaskFailedEvent {
	return TaskFailedEvent{
		baseEvent:   newBaseEvent(TypeTaskFailed),
		ProjectID:   projectID,
		TaskID:      taskID,
		FailureType: failureType,
		Infra:       infra,
		Attempt:     attempt,
		Reason:      reason,
	}
}

// -----------------------------------------------------------------------------
// Agent Events
// -----------------------------------------------------------------------------

// AgentStartedEvent is emitted when a coder, reviewer, or merger process
// is spawned or reattached after a restart.
type AgentStartedEvent struct {
	baseEvent
	ProjectID  string
	TaskID     string
	Role       string
	PID        int
	Worktree   string
	Attempt    int
	Reattached bool
}

// NewAgentStartedEvent creates an AgentStartedEvent.
func NewAgentStartedEvent(projectID, taskID, role string, pid int, worktree string, attempt int, reattached bool) AgentStartedEvent {
	return AgentStartedEvent{
		baseEvent:  newBaseEvent(TypeAgentStarted),
		ProjectID:  projectID,
		TaskID:     taskID,
		Role:       role,
		PID:        pid,
		Worktree:   worktree,
		Attempt:    attempt,
		Reattached: reattached,
	}
}

// AgentCompletedEvent is emitted when an agent process exits.
type AgentCompletedEvent struct {
	baseEvent
	ProjectID string
	TaskID    string
	Role      string
	PID       int
	ExitCode  int
	Status    string // normalized result status, empty when no result was written
	TimedOut  bool
	Duration  time.Duration
}

// NewAgentCompletedEvent creates an AgentCompletedEvent.
func NewAgentCompletedEvent(projectID, taskID, role string, pid, exitCode int, status string, timedOut bool, duration time.Duration) AgentCompletedEvent {
	return AgentCompletedEvent{
		baseEvent: newBaseEvent(TypeAgentCompleted),
		ProjectID: projectID,
		TaskID:    taskID,
		Role:      role,
		PID:       pid,
		ExitCode:  exitCode,
		Status:    status,
		TimedOut:  timedOut,
		Duration:  duration,
	}
}

// AgentOutputEvent carries a raw chunk of agent stdout/stderr.
type AgentOutputEvent struct {
	baseEvent
	ProjectID string
	TaskID    string
	Role      string
	Chunk     []byte
}

// NewAgentOutputEvent creates an AgentOutputEvent. The chunk is copied.
func NewAgentOutputEvent(projectID, taskID, role string, chunk []byte) AgentOutputEvent {
	return AgentOutputEvent{
		baseEvent: newBaseEvent(TypeAgentOutput),
		ProjectID: projectID,
		TaskID:    taskID,
		Role:      role,
		Chunk:     append([]byte(nil), chunk...),
	}
}

// -----------------------------------------------------------------------------
// Scheduler Events
// -----------------------------------------------------------------------------

// SchedulerIdleEvent is emitted when selection finds no runnable task.
type SchedulerIdleEvent struct {
	baseEvent
	ProjectID  string
	QueueDepth int
	Done       int
	Failed     int
}

// NewSchedulerIdleEvent creates a SchedulerIdleEvent.
func NewSchedulerIdleEvent(projectID string, queueDepth, done, failed int) SchedulerIdleEvent {
	return SchedulerIdleEvent{
		baseEvent:  newBaseEvent(TypeSchedulerIdle),
		ProjectID:  projectID,
		QueueDepth: queueDepth,
		Done:       done,
		Failed:     failed,
	}
}

// PushFailedEvent is emitted when trunk could not be pushed after a merge.
// The task stays closed.
type PushFailedEvent struct {
	baseEvent
	ProjectID       string
	TaskID          string
	ConflictedFiles []string
	Err             error
}

// NewPushFailedEvent creates a PushFailedEvent.
func NewPushFailedEvent(projectID, taskID string, conflicted []string, err error) PushFailedEvent {
	return PushFailedEvent{
		baseEvent:       newBaseEvent(TypePushFailed),
		ProjectID:       projectID,
		TaskID:          taskID,
		ConflictedFiles: conflicted,
		Err:             err,
	}
}
