package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/foreman/internal/agent"
	"github.com/Iron-Ham/foreman/internal/backlog"
	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/session"
	"github.com/Iron-Ham/foreman/internal/snapshot"
	"github.com/Iron-Ham/foreman/internal/testrunner"
	"github.com/Iron-Ham/foreman/internal/util"
)

// step is one loop iteration: continue a pending retry or select a task,
// then drive it through coding, gating, and merging.
func (s *Scheduler) step(ctx context.Context) (time.Duration, string, error) {
	task, retry, err := s.next(ctx)
	if err != nil || task == nil {
		return 0, "", err
	}
	return s.work(ctx, task, retry)
}

// next returns the task to work on and its retry context, or nil when the
// project is idle.
func (s *Scheduler) next(ctx context.Context) (*backlog.Task, *RetryContext, error) {
	s.mu.Lock()
	retry := s.pending
	s.pending = nil
	s.mu.Unlock()

	if retry != nil {
		task, err := s.backlog.Show(ctx, retry.TaskID)
		switch {
		case err != nil && !errors.IsNotFound(err):
			s.mu.Lock()
			s.pending = retry
			s.mu.Unlock()
			return nil, nil, err
		case err == nil && task.Status == backlog.StatusInProgress:
			return task, retry, nil
		}
		s.logger.Warn("dropping retry for task changed outside the scheduler", "task_id", retry.TaskID)
		s.release()
	}

	task, err := s.selectTask(ctx)
	return task, nil, err
}

// selectTask picks the first ready task in backlog order whose blockers are
// independently confirmed closed. It returns nil when nothing qualifies.
func (s *Scheduler) selectTask(ctx context.Context) (*backlog.Task, error) {
	if err := s.transition(snapshot.PhaseSelecting); err != nil {
		return nil, err
	}
	ready, err := s.backlog.Ready(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch ready tasks")
	}

	var eligible []*backlog.Task
	for _, t := range ready {
		if t.Status != backlog.StatusOpen || t.IsEpic() || t.Priority >= s.opts.MaxPriority {
			continue
		}
		eligible = append(eligible, t)
	}

	var chosen *backlog.Task
	for _, t := range eligible {
		ok, err := s.backlog.AreAllBlockersClosed(ctx, t.ID)
		if err != nil {
			s.logger.Warn("failed to verify blockers", "task_id", t.ID, "error", err)
			continue
		}
		if !ok {
			s.logger.Debug("skipping task with open blockers", "task_id", t.ID)
			continue
		}
		chosen = t
		break
	}

	s.mu.Lock()
	s.st.queueDepth = len(eligible)
	if chosen == nil {
		s.st.phase = snapshot.PhaseIdle
	}
	done, failed := s.st.done, s.st.failed
	s.mu.Unlock()

	if chosen == nil {
		if err := s.persist(); err != nil {
			return nil, err
		}
		s.logger.Debug("no runnable tasks", "queue_depth", len(eligible))
		s.publish(event.NewSchedulerIdleEvent(s.opts.ProjectID, len(eligible), done, failed))
		return nil, nil
	}
	return chosen, nil
}

// begin claims task for this scheduler and snapshots it before anything is
// spawned. For retries the task is already claimed.
func (s *Scheduler) begin(ctx context.Context, task *backlog.Task, retry *RetryContext) error {
	if retry == nil {
		err := s.backlog.Update(ctx, task.ID, backlog.TaskUpdate{
			Status:   backlog.Ptr(backlog.StatusInProgress),
			Assignee: backlog.Ptr(s.opts.AgentName),
		})
		if err != nil {
			return errors.Wrapf(err, "failed to claim task %s", task.ID)
		}
	}
	attempts, err := s.backlog.GetCumulativeAttempts(ctx, task.ID)
	if err != nil {
		return s.abandon(ctx, task.ID, errors.Wrapf(err, "failed to read attempts for %s", task.ID))
	}

	now := s.now()
	s.mu.Lock()
	if retry == nil {
		s.st.infraRetries = 0
		s.st.lastDiff = ""
	}
	s.st.taskID = task.ID
	s.st.phase = snapshot.PhaseCoding
	s.st.branch = s.repo.BranchName(task.ID)
	s.st.worktree = s.repo.WorktreePath(task.ID)
	s.st.attempt = attempts + 1
	s.st.pid = 0
	s.st.role = ""
	s.st.startedAt = now
	s.st.lastOutputAt = now
	s.st.killedDueToTimeout = false
	s.st.failureCounted = false
	s.st.lastSummary = ""
	s.st.lastTests = nil
	s.st.lastReview = nil
	s.st.output.Reset()
	attempt := s.st.attempt
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return s.abandon(ctx, task.ID, err)
	}
	s.logger.WithTask(task.ID).Info("task started", "attempt", attempt, "retry", retry != nil)
	s.publish(event.NewTaskUpdatedEvent(s.opts.ProjectID, task.ID, string(backlog.StatusInProgress), task.Priority, string(snapshot.PhaseCoding), ""))
	return nil
}

func (s *Scheduler) work(ctx context.Context, task *backlog.Task, retry *RetryContext) (time.Duration, string, error) {
	if err := s.begin(ctx, task, retry); err != nil {
		return 0, "", err
	}

	path, branch, err := s.repo.CreateTaskWorktree(task.ID)
	if err != nil {
		return 0, "", s.abandon(ctx, task.ID, err)
	}
	s.mu.Lock()
	s.st.worktree, s.st.branch = path, branch
	attempt := s.st.attempt
	s.mu.Unlock()
	if err := s.persist(); err != nil {
		return 0, "", s.abandon(ctx, task.ID, err)
	}

	s.preflight(path)

	run := s.codingRun(task.ID, path, branch, attempt, retry)
	prompt, err := render(codingPrompt, codingPromptData{
		Task:        task,
		Branch:      branch,
		TestCommand: run.env.TestCommand,
		ResultFile:  run.resultPath,
		Attempt:     attempt,
		Retry:       retry,
	})
	if err != nil {
		return 0, "", s.abandon(ctx, task.ID, errors.Wrap(err, "failed to render coding prompt"))
	}
	if err := util.WriteFileAtomic(s.fs, run.env.PromptFile, prompt); err != nil {
		return 0, "", s.abandon(ctx, task.ID, err)
	}

	exit, err := s.runAgent(ctx, run)
	if err != nil {
		return 0, "", err
	}
	return s.afterCoding(ctx, task, exit)
}

// preflight repairs the environment before an agent starts. Problems are
// logged; the agent may still succeed without them fixed.
func (s *Scheduler) preflight(worktree string) {
	if s.opts.StaleLockAge > 0 {
		removed, err := s.repo.ClearStaleLocks(s.opts.StaleLockAge)
		if err != nil {
			s.logger.Warn("failed to clear stale git locks", "error", err)
		}
		for _, lock := range removed {
			s.logger.Info("removed stale git lock", "path", lock)
		}
	}
	if len(s.opts.SharedLinks) > 0 {
		if err := s.repo.LinkShared(worktree, s.opts.SharedLinks); err != nil {
			s.logger.Warn("failed to link shared resources", "worktree", worktree, "error", err)
		}
	}
	for _, name := range []string{CodingResultFile, ReviewResultFile} {
		_ = s.fs.Remove(artifactPath(worktree, name))
	}
}

// afterCoding classifies a finished coding agent and continues the
// pipeline. Live and re-attached agents both end up here.
func (s *Scheduler) afterCoding(ctx context.Context, task *backlog.Task, exit codingExit) (time.Duration, string, error) {
	exit.timedOut = s.killedForInactivity()
	if f := classifyCoding(exit); f != nil {
		if exit.result != nil {
			f.Summary = exit.result.Summary
		}
		return s.fail(ctx, task, f)
	}
	s.mu.Lock()
	s.st.lastSummary = exit.result.Summary
	s.mu.Unlock()
	return s.gate(ctx, task)
}

// gate commits the agent's work, runs the scoped tests, and reviews the
// change when the review policy asks for it.
func (s *Scheduler) gate(ctx context.Context, task *backlog.Task) (time.Duration, string, error) {
	if err := s.transition(snapshot.PhaseTesting); err != nil {
		return 0, "", err
	}
	s.mu.Lock()
	path, branch := s.st.worktree, s.st.branch
	s.mu.Unlock()

	if _, err := s.repo.CommitWIP(path, fmt.Sprintf("foreman: %s %s", task.ID, task.Title)); err != nil {
		s.logger.Warn("failed to commit agent work", "task_id", task.ID, "error", err)
	}
	diff, err := s.repo.CaptureBranchDiff(branch)
	if err != nil {
		s.logger.Warn("failed to capture branch diff", "task_id", task.ID, "error", err)
	}
	files, err := s.repo.GetChangedFiles(branch)
	if err != nil {
		s.logger.Warn("failed to list changed files", "task_id", task.ID, "error", err)
	}
	s.mu.Lock()
	s.st.lastDiff = diff
	s.mu.Unlock()

	var results *testrunner.Result
	if s.tests != nil {
		results, err = s.tests.Run(ctx, path, files)
		if err != nil {
			if ctx.Err() != nil {
				return 0, "", ctx.Err()
			}
			results = &testrunner.Result{Failed: 1, ExitCode: -1, Output: err.Error()}
		}
		s.mu.Lock()
		s.st.lastTests = results
		s.mu.Unlock()
		s.logger.Info("tests finished", "task_id", task.ID, "passed", results.Passed, "failed", results.Failed, "skipped", results.Skipped)
		if f := classifyTests(results); f != nil {
			f.Diff = diff
			return s.fail(ctx, task, f)
		}
	}

	if !s.shouldReview() {
		return s.merge(ctx, task)
	}
	return s.review(ctx, task, diff, results)
}

// killedForInactivity reports whether the monitor terminated the current
// attempt's agent. The flag survives restarts through the snapshot.
func (s *Scheduler) killedForInactivity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.killedDueToTimeout
}

// shouldReview applies the review policy. In on_failure mode any earlier
// failure of the task counts, including free infrastructure retries.
func (s *Scheduler) shouldReview() bool {
	switch s.opts.ReviewMode {
	case config.ReviewSkip:
		return false
	case config.ReviewAlways:
		return true
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.st.attempt > 1 || s.st.infraRetries > 0
	}
}

func (s *Scheduler) review(ctx context.Context, task *backlog.Task, diff string, results *testrunner.Result) (time.Duration, string, error) {
	if err := s.transition(snapshot.PhaseReview); err != nil {
		return 0, "", err
	}
	s.mu.Lock()
	path, branch, attempt, summary := s.st.worktree, s.st.branch, s.st.attempt, s.st.lastSummary
	s.mu.Unlock()

	run := s.reviewRun(task.ID, path, branch, attempt)
	prompt, err := render(reviewPrompt, reviewPromptData{
		Task:       task,
		Summary:    summary,
		Diff:       diff,
		Tests:      results,
		ResultFile: run.resultPath,
	})
	if err != nil {
		return 0, "", errors.Wrap(err, "failed to render review prompt")
	}
	if err := util.WriteFileAtomic(s.fs, run.env.PromptFile, prompt); err != nil {
		return 0, "", err
	}

	exit, err := s.runAgent(ctx, run)
	if err != nil {
		return 0, "", err
	}
	return s.afterReview(ctx, task, exit)
}

// afterReview turns the reviewer's verdict into a merge or a rejection.
func (s *Scheduler) afterReview(ctx context.Context, task *backlog.Task, exit codingExit) (time.Duration, string, error) {
	exit.timedOut = s.killedForInactivity()
	if exit.timedOut || exit.result == nil {
		f := classifyCoding(exit)
		f.Reason = "reviewer: " + f.Reason
		return s.fail(ctx, task, f)
	}

	res := exit.result
	verdict := &session.Review{
		Approved: res.ReviewOutcome() == agent.OutcomeApproved,
		Summary:  res.Summary,
		Issues:   res.Issues,
		Notes:    res.Notes,
	}
	s.mu.Lock()
	s.st.lastReview = verdict
	diff := s.st.lastDiff
	s.mu.Unlock()

	if verdict.Approved {
		s.logger.Info("review approved", "task_id", task.ID)
		return s.merge(ctx, task)
	}
	feedback := &ReviewFeedback{Summary: res.Summary, Issues: res.Issues, Notes: res.Notes}
	return s.fail(ctx, task, &Failure{
		Type:    FailureReviewRejection,
		Reason:  firstNonEmpty(res.Summary, res.Reason, "reviewer rejected the change"),
		Summary: res.Summary,
		Review:  feedback,
		Diff:    diff,
	})
}

// resume re-attaches to the agent a previous run left behind and continues
// the pipeline as if it had just exited.
func (s *Scheduler) resume(ctx context.Context) (time.Duration, string, error) {
	s.mu.Lock()
	taskID, path, branch, role, attempt := s.st.taskID, s.st.worktree, s.st.branch, s.st.role, s.st.attempt
	from := s.resumeFrom
	s.mu.Unlock()

	run := s.codingRun(taskID, path, branch, attempt, nil)
	if role == snapshot.RoleReviewer {
		run = s.reviewRun(taskID, path, branch, attempt)
	}

	exit, err := s.attach(ctx, run, from)
	if err != nil {
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		s.logger.Warn("re-attach failed, recovering task", "task_id", taskID, "error", err)
		snap := s.currentSnapshot()
		if err := s.recoverCrash(ctx, snap); err != nil {
			return 0, "", err
		}
		return s.opts.RetryDelay, ReasonRetry, nil
	}

	task, err := s.backlog.Show(ctx, taskID)
	if err != nil {
		return 0, "", s.abandon(ctx, taskID, err)
	}
	if role == snapshot.RoleReviewer {
		return s.afterReview(ctx, task, exit)
	}
	return s.afterCoding(ctx, task, exit)
}

func (s *Scheduler) currentSnapshot() *snapshot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.snapshot(s.opts.ProjectID, s.now())
}

// abandon hands a task back to the backlog after a scheduler-side error,
// without counting an attempt. The branch is kept.
func (s *Scheduler) abandon(ctx context.Context, taskID string, cause error) error {
	logErr(s.logger, "abandoning task", cause, "task_id", taskID)
	s.comment(ctx, taskID, fmt.Sprintf("Scheduler could not run this task and returned it to the queue: %v", cause))
	if err := s.backlog.Update(ctx, taskID, backlog.TaskUpdate{
		Status:   backlog.Ptr(backlog.StatusOpen),
		Assignee: backlog.Ptr(""),
	}); err != nil {
		s.logger.Error("failed to requeue task", "task_id", taskID, "error", err)
	}
	s.release()
	return cause
}

// release forgets the current task and removes its worktree, keeping the
// branch, then snapshots the idle state.
func (s *Scheduler) release() {
	s.mu.Lock()
	path := s.st.worktree
	s.st.clearTask()
	s.mu.Unlock()
	if path != "" {
		if err := s.repo.RemoveTaskWorktree(path); err != nil {
			s.logger.Debug("failed to remove worktree", "path", path, "error", err)
		}
	}
	if err := s.persist(); err != nil {
		s.logger.Error("failed to persist idle snapshot", "error", err)
	}
}

func (s *Scheduler) comment(ctx context.Context, taskID, text string) {
	if err := s.backlog.Comment(ctx, taskID, text); err != nil {
		s.logger.Warn("failed to comment on task", "task_id", taskID, "error", err)
	}
}
