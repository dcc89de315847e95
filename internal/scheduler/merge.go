package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/foreman/internal/agent"
	"github.com/Iron-Ham/foreman/internal/backlog"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/session"
	"github.com/Iron-Ham/foreman/internal/snapshot"
	"github.com/Iron-Ham/foreman/internal/util"
	"github.com/Iron-Ham/foreman/internal/worktree"
)

// merge lands an approved branch on trunk, closes the task, cleans up, and
// pushes. A merge conflict is an infrastructure failure; a push failure is
// only logged because the task is already complete locally.
func (s *Scheduler) merge(ctx context.Context, task *backlog.Task) (time.Duration, string, error) {
	if err := s.transition(snapshot.PhaseMerging); err != nil {
		return 0, "", err
	}
	s.mu.Lock()
	path, branch, summary := s.st.worktree, s.st.branch, s.st.lastSummary
	s.mu.Unlock()
	log := s.logger.WithTask(task.ID).WithPhase(string(snapshot.PhaseMerging))

	if err := s.repo.WaitForIdle(ctx, path, s.opts.GitIdleTimeout); err != nil {
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		log.Warn("git still busy in worktree, merging anyway", "error", err)
	}
	if _, err := s.repo.CommitWIP(path, fmt.Sprintf("foreman: %s final changes", task.ID)); err != nil {
		log.Warn("failed to commit remaining changes", "error", err)
	}

	message := fmt.Sprintf("Merge %s: %s", task.ID, task.Title)
	err := s.merges.Do(ctx, func() error {
		return s.repo.MergeBranch(branch, message)
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		reason := err.Error()
		if ce, ok := worktree.AsConflict(err); ok && len(ce.Files) > 0 {
			reason = "merge into trunk conflicted in " + strings.Join(ce.Files, ", ")
		}
		return s.fail(ctx, task, &Failure{Type: FailureMergeConflict, Reason: reason, Summary: summary})
	}
	log.Info("branch merged into trunk", "branch", branch, "trunk", s.repo.Trunk())

	if summary == "" {
		summary = "Merged " + branch
	}
	if err := s.backlog.Close(ctx, task.ID, summary); err != nil {
		log.Error("failed to close merged task", "error", err)
	}
	s.record(ctx, task.ID, session.StatusSuccess, nil)

	if err := s.repo.RemoveTaskWorktree(path); err != nil {
		logErr(log, "failed to remove worktree", err, "path", path)
	}
	if err := s.repo.DeleteBranch(branch); err != nil && !errors.IsNotFound(err) {
		logErr(log, "failed to delete branch", err, "branch", branch)
	}
	if err := s.heartbeats.Remove(task.ID); err != nil {
		log.Warn("failed to remove heartbeat", "error", err)
	}

	s.mu.Lock()
	s.st.done++
	s.st.clearTask()
	s.mu.Unlock()
	if err := s.persist(); err != nil {
		log.Error("failed to persist idle snapshot", "error", err)
	}
	s.publish(event.NewTaskUpdatedEvent(s.opts.ProjectID, task.ID, string(backlog.StatusClosed), task.Priority, string(snapshot.PhaseIdle), summary))

	pushed := s.push(ctx, task.ID)
	s.publish(event.NewTaskMergedEvent(s.opts.ProjectID, task.ID, branch, pushed))
	return s.opts.Cooldown, ReasonCooldown, nil
}

// push sends trunk to the remote through the merge queue. It returns
// whether trunk was pushed.
func (s *Scheduler) push(ctx context.Context, taskID string) bool {
	if !s.repo.HasRemote() {
		return false
	}
	err := s.merges.Do(ctx, func() error {
		return s.pushWithResolver(ctx, taskID)
	})
	if err == nil {
		s.logger.Info("trunk pushed", "task_id", taskID, "trunk", s.repo.Trunk())
		return true
	}

	var files []string
	if ce, ok := worktree.AsConflict(err); ok {
		files = ce.Files
	}
	s.logger.Warn("trunk push failed; task stays closed", "task_id", taskID, "conflicted_files", files, "error", err)
	s.publish(event.NewPushFailedEvent(s.opts.ProjectID, taskID, files, err))
	return false
}

// pushWithResolver pushes trunk and, when the rebase onto the remote stops
// on conflicts, hands them to the merger agent. An unresolved rebase is
// aborted. Callers hold the merge queue.
func (s *Scheduler) pushWithResolver(ctx context.Context, taskID string) error {
	err := s.repo.PushMain()
	ce, ok := worktree.AsConflict(err)
	if !ok || ce.Op != worktree.OpRebase {
		return err
	}

	s.logger.Warn("rebase conflict while pushing trunk", "task_id", taskID, "files", ce.Files)
	if !s.resolveConflict(ctx, taskID, ce) {
		return s.abortRebase(ce)
	}
	s.logger.Info("merger agent resolved rebase conflict", "task_id", taskID)

	// The remote may have moved again while the merger worked.
	err = s.repo.PushMain()
	if again, ok := worktree.AsConflict(err); ok && again.Op == worktree.OpRebase {
		s.logger.Warn("rebase conflict again after merger agent", "task_id", taskID, "files", again.Files)
		return s.abortRebase(again)
	}
	return err
}

// abortRebase abandons the rebase that ce stopped on so trunk is left
// usable for the next task.
func (s *Scheduler) abortRebase(ce *worktree.ConflictError) error {
	if abortErr := s.repo.RebaseAbort(); abortErr != nil {
		s.logger.Error("failed to abort rebase", "error", abortErr)
		return errors.Join(ce, abortErr)
	}
	return ce
}

// resolveConflict runs the merger agent in the main repository. It reports
// success only if the agent says so and no rebase is left in progress.
func (s *Scheduler) resolveConflict(ctx context.Context, taskID string, ce *worktree.ConflictError) bool {
	if s.opts.Merger.Command == "" {
		s.logger.Info("no merger agent configured; leaving conflict for manual resolution")
		return false
	}
	diff, err := s.repo.ConflictDiff()
	if err != nil {
		s.logger.Warn("failed to capture conflict diff", "error", err)
	}

	dir := s.repo.RepoDir()
	env := agent.TaskEnv{
		Role:          snapshot.RoleMerger,
		TaskID:        taskID,
		Branch:        s.repo.Trunk(),
		PromptFile:    artifactPath(dir, MergePromptFile),
		ResultFile:    artifactPath(dir, MergeResultFile),
		ConflictFiles: strings.Join(ce.Files, "\n"),
	}
	prompt, err := render(mergePrompt, mergePromptData{
		Trunk:      s.repo.Trunk(),
		Files:      ce.Files,
		Diff:       diff,
		ResultFile: env.ResultFile,
	})
	if err != nil {
		s.logger.Error("failed to render merge prompt", "error", err)
		return false
	}
	if err := util.WriteFileAtomic(s.fs, env.PromptFile, prompt); err != nil {
		s.logger.Error("failed to write merge prompt", "error", err)
		return false
	}

	exit, err := s.runAgent(ctx, agentRun{
		role:       snapshot.RoleMerger,
		command:    s.opts.Merger,
		taskID:     taskID,
		dir:        dir,
		resultPath: env.ResultFile,
		env:        env,
	})
	if err != nil {
		return false
	}
	if exit.result == nil || exit.result.CodingOutcome() != agent.OutcomeSuccess {
		s.logger.Warn("merger agent did not resolve the conflict", "exit_code", exit.exitCode, "timed_out", exit.timedOut)
		return false
	}
	if s.repo.IsRebaseInProgress() {
		s.logger.Warn("merger agent reported success but the rebase is still in progress")
		return false
	}
	return true
}
