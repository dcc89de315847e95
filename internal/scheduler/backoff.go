package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/foreman/internal/backlog"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/session"
	"github.com/Iron-Ham/foreman/internal/snapshot"
	"github.com/Iron-Ham/foreman/internal/testrunner"
	"github.com/Iron-Ham/foreman/internal/util"
)

// fail archives a failed attempt, comments on the task, and applies the
// backoff policy:
//
//   - infrastructure failures retry on the same branch, up to
//     MaxInfraRetries times per claim of the task, without counting
//     toward demotion; later ones count like any other failure
//   - every other failure increments the task's cumulative attempts; each
//     DemotionThreshold-th failure discards the branch and raises the
//     priority, blocking the task at MaxPriority
//   - remaining failures retry on the same branch with a RetryContext
func (s *Scheduler) fail(ctx context.Context, task *backlog.Task, f *Failure) (time.Duration, string, error) {
	s.mu.Lock()
	attempt := s.st.attempt
	infraRetries := s.st.infraRetries
	branch := s.st.branch
	if f.Diff == "" {
		f.Diff = s.st.lastDiff
	}
	s.st.failed++
	s.mu.Unlock()

	log := s.logger.WithTask(task.ID).With("failure_type", string(f.Type), "attempt", attempt)
	log.Warn("attempt failed", "reason", f.Reason, "infra", f.Type.Infra())

	if f.Diff == "" && branch != "" {
		if diff, err := s.repo.CaptureBranchDiff(branch); err == nil {
			f.Diff = diff
		}
	}

	status := session.StatusFailed
	if f.Type == FailureReviewRejection {
		status = session.StatusRejected
	}
	s.record(ctx, task.ID, status, f)
	s.comment(ctx, task.ID, failureComment(attempt, f))
	s.publish(event.NewTaskFailedEvent(s.opts.ProjectID, task.ID, string(f.Type), f.Type.Infra(), attempt, f.Reason))

	if f.Type.Infra() && infraRetries < s.opts.MaxInfraRetries {
		s.mu.Lock()
		s.st.infraRetries++
		s.st.failureCounted = false
		used := s.st.infraRetries
		s.mu.Unlock()
		log.Info("retrying after infrastructure failure", "infra_retries", used, "max_infra_retries", s.opts.MaxInfraRetries)
		return s.retry(newRetryContext(task.ID, f))
	}

	if err := s.backlog.SetCumulativeAttempts(ctx, task.ID, attempt); err != nil {
		log.Error("failed to record attempt count", "error", err)
	}
	s.mu.Lock()
	s.st.failureCounted = true
	s.mu.Unlock()

	if attempt%s.opts.DemotionThreshold == 0 {
		return s.demote(ctx, task, attempt, f)
	}
	return s.retry(newRetryContext(task.ID, f))
}

// retry keeps the task claimed and its branch intact and re-arms the loop.
func (s *Scheduler) retry(rc *RetryContext) (time.Duration, string, error) {
	s.mu.Lock()
	s.pending = rc
	s.st.phase = snapshot.PhaseRetrying
	s.st.pid = 0
	s.st.role = ""
	s.mu.Unlock()
	if err := s.persist(); err != nil {
		s.logger.Error("failed to persist retry snapshot", "task_id", rc.TaskID, "error", err)
	}
	return s.opts.RetryDelay, ReasonRetry, nil
}

// demote gives the task a clean slate: worktree and branch are deleted and
// the priority rises one step. At the ceiling the task is blocked instead.
func (s *Scheduler) demote(ctx context.Context, task *backlog.Task, attempts int, f *Failure) (time.Duration, string, error) {
	s.mu.Lock()
	path, branch := s.st.worktree, s.st.branch
	s.mu.Unlock()
	log := s.logger.WithTask(task.ID)

	if err := s.repo.RemoveTaskWorktree(path); err != nil {
		logErr(log, "failed to remove worktree", err, "path", path)
	}
	if err := s.repo.DeleteBranch(branch); err != nil && !errors.IsNotFound(err) {
		logErr(log, "failed to delete branch", err, "branch", branch)
	}
	if err := s.heartbeats.Remove(task.ID); err != nil {
		log.Warn("failed to remove heartbeat", "error", err)
	}

	priority := task.Priority + 1
	if priority >= s.opts.MaxPriority {
		priority = s.opts.MaxPriority
		reason := fmt.Sprintf("Blocked after %d failed attempts (last: %s). Needs human attention.", attempts, f.Type)
		if err := s.backlog.Update(ctx, task.ID, backlog.TaskUpdate{
			Status:   backlog.Ptr(backlog.StatusBlocked),
			Assignee: backlog.Ptr(""),
			Priority: backlog.Ptr(priority),
		}); err != nil {
			log.Error("failed to block task", "error", err)
		}
		s.comment(ctx, task.ID, reason)
		log.Warn("task blocked", "attempts", attempts, "priority", priority)
		s.publish(event.NewTaskBlockedEvent(s.opts.ProjectID, task.ID, attempts, reason))
		s.publish(event.NewTaskUpdatedEvent(s.opts.ProjectID, task.ID, string(backlog.StatusBlocked), priority, string(snapshot.PhaseBlocked), reason))
	} else {
		reason := fmt.Sprintf("Demoted to priority %d after %d failed attempts; branch discarded for a fresh start.", priority, attempts)
		if err := s.backlog.Update(ctx, task.ID, backlog.TaskUpdate{
			Status:   backlog.Ptr(backlog.StatusOpen),
			Assignee: backlog.Ptr(""),
			Priority: backlog.Ptr(priority),
		}); err != nil {
			log.Error("failed to demote task", "error", err)
		}
		s.comment(ctx, task.ID, reason)
		log.Info("task demoted", "attempts", attempts, "priority", priority)
		s.publish(event.NewTaskUpdatedEvent(s.opts.ProjectID, task.ID, string(backlog.StatusOpen), priority, string(snapshot.PhaseIdle), reason))
	}

	s.mu.Lock()
	s.st.clearTask()
	s.mu.Unlock()
	if err := s.persist(); err != nil {
		log.Error("failed to persist idle snapshot", "error", err)
	}
	return s.opts.RetryDelay, ReasonRetry, nil
}

// record archives the current attempt.
func (s *Scheduler) record(ctx context.Context, taskID string, status session.Status, f *Failure) {
	s.mu.Lock()
	rec := &session.Record{
		ProjectID:   s.opts.ProjectID,
		TaskID:      taskID,
		Attempt:     s.st.attempt,
		Branch:      s.st.branch,
		Status:      status,
		Summary:     s.st.lastSummary,
		Logs:        s.st.output.String(),
		Diff:        s.st.lastDiff,
		TestResults: sessionTests(s.st.lastTests),
		Review:      s.st.lastReview,
		StartedAt:   s.st.startedAt,
		EndedAt:     s.now(),
	}
	s.mu.Unlock()

	if f != nil {
		rec.FailureType = string(f.Type)
		rec.Reason = f.Reason
		if f.Summary != "" {
			rec.Summary = f.Summary
		}
		if f.Diff != "" {
			rec.Diff = f.Diff
		}
		if f.TestResults != nil {
			rec.TestResults = sessionTests(f.TestResults)
		}
	}
	if err := s.archive.Append(ctx, rec); err != nil {
		s.logger.Error("failed to archive session", "task_id", taskID, "error", err)
	}
}

func sessionTests(r *testrunner.Result) *session.TestResults {
	if r == nil {
		return nil
	}
	return &session.TestResults{
		Passed:   r.Passed,
		Failed:   r.Failed,
		Skipped:  r.Skipped,
		ExitCode: r.ExitCode,
		Command:  r.Command,
		Output:   r.Output,
	}
}

func failureComment(attempt int, f *Failure) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Attempt %d failed (%s", attempt, f.Type)
	if f.Type.Infra() {
		b.WriteString(", infrastructure")
	}
	b.WriteString(")")
	if f.Reason != "" {
		b.WriteString(": ")
		b.WriteString(f.Reason)
	}
	if fb := f.Review.String(); fb != "" {
		b.WriteString("\n\nReview feedback:\n")
		b.WriteString(fb)
	}
	if f.TestOutput != "" {
		b.WriteString("\n\nTest output (tail):\n")
		b.WriteString(util.TailLines(f.TestOutput, maxCommentLines))
	}
	return b.String()
}
