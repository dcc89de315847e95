package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/foreman/internal/agent"
	"github.com/Iron-Ham/foreman/internal/backlog"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/heartbeat"
	"github.com/Iron-Ham/foreman/internal/session"
	"github.com/Iron-Ham/foreman/internal/snapshot"
)

// RecoveryAction is what Recover decided to do with the persisted state.
type RecoveryAction int

// Recovery actions
const (
	// RecoveryIdle means no task was in flight.
	RecoveryIdle RecoveryAction = iota
	// RecoveryCrash means the in-flight task was requeued.
	RecoveryCrash
	// RecoveryResume means a live agent was found and should be re-attached.
	RecoveryResume
)

func (a RecoveryAction) String() string {
	switch a {
	case RecoveryIdle:
		return "idle"
	case RecoveryCrash:
		return "crash_recovered"
	case RecoveryResume:
		return "resume"
	default:
		return "unknown"
	}
}

// Recover reconciles the persisted snapshot with reality. With no task in
// flight it clears the snapshot. With a live, recently active agent it
// restores the state for re-attachment. Otherwise, after killing a stale
// agent if needed, it requeues the task, keeping the branch only if it has
// commits ahead of trunk.
func (s *Scheduler) Recover(ctx context.Context) (RecoveryAction, error) {
	snap, err := s.snapshots.Load()
	if err != nil {
		if errors.IsNotFound(err) {
			return RecoveryIdle, nil
		}
		if errors.Is(err, errors.ErrSnapshotCorrupted) {
			s.logger.Error("discarding corrupted snapshot", "path", s.snapshots.Path(), "error", err)
			return RecoveryIdle, s.snapshots.Clear()
		}
		return RecoveryIdle, err
	}

	s.mu.Lock()
	s.st.done, s.st.failed = snap.Done, snap.Failed
	s.mu.Unlock()

	if !snap.Active() {
		return RecoveryIdle, s.snapshots.Clear()
	}
	log := s.logger.WithTask(snap.TaskID).With("pid", snap.PID, "phase", string(snap.Phase))

	if snap.PID > 0 && s.alive(snap.PID) {
		freshest := s.heartbeats.Freshest(snap.TaskID, snap.LastOutputAt)
		stale := s.opts.InactivityTimeout > 0 && heartbeat.IsStale(freshest, s.opts.InactivityTimeout, s.now())
		if !stale {
			log.Info("agent still running, resuming supervision", "last_output", freshest)
			s.mu.Lock()
			s.st.restore(snap)
			s.resumeFrom = freshest
			s.mu.Unlock()
			return RecoveryResume, nil
		}
		log.Warn("agent alive but inactive, terminating", "last_output", freshest)
		s.killOrphan(snap)
	}

	return RecoveryCrash, s.recoverCrash(ctx, snap)
}

// killOrphan terminates an agent left behind by a previous run.
func (s *Scheduler) killOrphan(snap *snapshot.Snapshot) {
	h, err := s.launcher.Attach(snap.PID, agent.Spec{Role: snap.Role})
	if err != nil {
		s.logger.Warn("failed to attach to stale agent", "pid", snap.PID, "error", err)
		return
	}
	if err := h.Terminate(s.opts.KillGrace); err != nil {
		s.logger.Error("failed to terminate stale agent", "pid", snap.PID, "error", err)
	}
	select {
	case <-h.Done():
	case <-time.After(s.opts.KillGrace + s.opts.MonitorInterval):
		s.logger.Warn("stale agent did not exit after termination", "pid", snap.PID)
	}
}

// recoverCrash requeues the snapshot's task. The snapshot is cleared first
// so a failure below cannot cause a restart loop.
func (s *Scheduler) recoverCrash(ctx context.Context, snap *snapshot.Snapshot) error {
	if err := s.snapshots.Clear(); err != nil {
		return err
	}
	s.mu.Lock()
	s.st.clearTask()
	s.st.done, s.st.failed = snap.Done, snap.Failed
	s.pending = nil
	s.mu.Unlock()

	taskID := snap.TaskID
	log := s.logger.WithTask(taskID).With("phase", string(snap.Phase))
	branch := snap.Branch
	if branch == "" {
		branch = s.repo.BranchName(taskID)
	}
	path := snap.WorktreePath
	if path == "" {
		path = s.repo.WorktreePath(taskID)
	}

	ahead, err := s.repo.GetCommitCountAhead(branch)
	if err != nil && !errors.IsNotFound(err) {
		log.Warn("failed to count commits on task branch", "branch", branch, "error", err)
	}

	// The worktree must go before its branch can be deleted.
	if err := s.repo.RemoveTaskWorktree(path); err != nil {
		log.Error("failed to remove worktree", "path", path, "error", err)
	}

	var note string
	if ahead > 0 {
		note = fmt.Sprintf("Scheduler restarted during %s; %d commit(s) preserved on %s for the next attempt.", snap.Phase, ahead, branch)
	} else {
		if err := s.repo.DeleteBranch(branch); err != nil && !errors.IsNotFound(err) {
			log.Error("failed to delete branch", "branch", branch, "error", err)
		}
		note = fmt.Sprintf("Scheduler restarted during %s; no work found on %s, starting fresh.", snap.Phase, branch)
	}
	if err := s.heartbeats.Remove(taskID); err != nil {
		log.Warn("failed to remove heartbeat", "error", err)
	}

	task, err := s.backlog.Show(ctx, taskID)
	if err != nil {
		return errors.Wrapf(err, "failed to load task %s during recovery", taskID)
	}
	if task.Status == backlog.StatusClosed {
		log.Info("task already closed, nothing to requeue")
		return nil
	}

	if err := s.backlog.Update(ctx, taskID, backlog.TaskUpdate{
		Status:   backlog.Ptr(backlog.StatusOpen),
		Assignee: backlog.Ptr(""),
	}); err != nil {
		return errors.Wrapf(err, "failed to requeue task %s", taskID)
	}
	// A task waiting to retry after a counted failure is not counted twice.
	// A free infrastructure retry was never counted, so the crash is.
	if snap.Phase != snapshot.PhaseRetrying || !snap.FailureCounted {
		if err := s.backlog.SetCumulativeAttempts(ctx, taskID, task.CumulativeAttempts+1); err != nil {
			log.Error("failed to record crash attempt", "error", err)
		}
	}
	s.comment(ctx, taskID, note)

	if err := s.archive.Append(ctx, &session.Record{
		ProjectID:   s.opts.ProjectID,
		TaskID:      taskID,
		Attempt:     snap.Attempt,
		Branch:      branch,
		Status:      session.StatusCrashed,
		FailureType: string(FailureAgentCrash),
		Reason:      note,
		StartedAt:   snap.StartedAt,
		EndedAt:     s.now(),
	}); err != nil {
		log.Error("failed to archive crashed session", "error", err)
	}

	log.Info("recovered crashed task", "commits_preserved", ahead)
	s.publish(event.NewTaskFailedEvent(s.opts.ProjectID, taskID, string(FailureAgentCrash), true, snap.Attempt, note))
	s.publish(event.NewTaskUpdatedEvent(s.opts.ProjectID, taskID, string(backlog.StatusOpen), task.Priority, string(snapshot.PhaseIdle), note))
	return nil
}
