package scheduler

import (
	"time"

	"github.com/Iron-Ham/foreman/internal/agent"
	"github.com/Iron-Ham/foreman/internal/session"
	"github.com/Iron-Ham/foreman/internal/snapshot"
	"github.com/Iron-Ham/foreman/internal/testrunner"
)

// state is a project's in-flight scheduling state. It is owned by the
// scheduler and guarded by Scheduler.mu.
type state struct {
	taskID   string
	phase    snapshot.Phase
	branch   string
	worktree string
	pid      int
	role     string

	// attempt is the 1-based number of the attempt in flight: the task's
	// cumulative failure count plus one.
	attempt        int
	infraRetries   int
	failureCounted bool

	done       int
	failed     int
	queueDepth int

	startedAt          time.Time
	lastOutputAt       time.Time
	killedDueToTimeout bool

	output      *agent.RingBuffer
	lastDiff    string
	lastSummary string
	lastTests   *testrunner.Result
	lastReview  *session.Review
}

func (st *state) clearTask() {
	st.taskID = ""
	st.phase = snapshot.PhaseIdle
	st.branch = ""
	st.worktree = ""
	st.pid = 0
	st.role = ""
	st.attempt = 0
	st.infraRetries = 0
	st.failureCounted = false
	st.startedAt = time.Time{}
	st.lastOutputAt = time.Time{}
	st.killedDueToTimeout = false
	st.lastDiff = ""
	st.lastSummary = ""
	st.lastTests = nil
	st.lastReview = nil
	st.output.Reset()
}

func (st *state) snapshot(projectID string, now time.Time) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		ProjectID:          projectID,
		TaskID:             st.taskID,
		Phase:              st.phase,
		Branch:             st.branch,
		WorktreePath:       st.worktree,
		PID:                st.pid,
		Role:               st.role,
		Attempt:            st.attempt,
		InfraRetries:       st.infraRetries,
		FailureCounted:     st.failureCounted,
		Done:               st.done,
		Failed:             st.failed,
		QueueDepth:         st.queueDepth,
		KilledDueToTimeout: st.killedDueToTimeout,
		LastOutputAt:       st.lastOutputAt,
		StartedAt:          st.startedAt,
		UpdatedAt:          now,
	}
}

func (st *state) restore(snap *snapshot.Snapshot) {
	st.taskID = snap.TaskID
	st.phase = snap.Phase
	st.branch = snap.Branch
	st.worktree = snap.WorktreePath
	st.pid = snap.PID
	st.role = snap.Role
	st.attempt = snap.Attempt
	st.infraRetries = snap.InfraRetries
	st.failureCounted = snap.FailureCounted
	st.done = snap.Done
	st.failed = snap.Failed
	st.queueDepth = snap.QueueDepth
	st.killedDueToTimeout = snap.KilledDueToTimeout
	st.lastOutputAt = snap.LastOutputAt
	st.startedAt = snap.StartedAt
}

// Status is a point-in-time view of a project's scheduler.
type Status struct {
	ProjectID    string         `json:"project_id"`
	TaskID       string         `json:"task_id,omitempty"`
	Phase        snapshot.Phase `json:"phase"`
	Branch       string         `json:"branch,omitempty"`
	PID          int            `json:"pid,omitempty"`
	Role         string         `json:"role,omitempty"`
	Attempt      int            `json:"attempt,omitempty"`
	InfraRetries int            `json:"infra_retries,omitempty"`
	QueueDepth   int            `json:"queue_depth"`
	Done         int            `json:"done"`
	Failed       int            `json:"failed"`
	LastOutputAt time.Time      `json:"last_output_at,omitzero"`
	Running      bool           `json:"running"`
}

// StatusFromSnapshot builds a Status from a persisted snapshot, for
// callers that inspect a project without owning its scheduler.
func StatusFromSnapshot(snap *snapshot.Snapshot) Status {
	return Status{
		ProjectID:    snap.ProjectID,
		TaskID:       snap.TaskID,
		Phase:        snap.Phase,
		Branch:       snap.Branch,
		PID:          snap.PID,
		Role:         snap.Role,
		Attempt:      snap.Attempt,
		InfraRetries: snap.InfraRetries,
		QueueDepth:   snap.QueueDepth,
		Done:         snap.Done,
		Failed:       snap.Failed,
		LastOutputAt: snap.LastOutputAt,
	}
}
