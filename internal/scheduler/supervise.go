package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/foreman/internal/agent"
	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/heartbeat"
	"github.com/Iron-Ham/foreman/internal/snapshot"
)

// agentRun describes one agent invocation.
type agentRun struct {
	role       string
	command    config.AgentCommand
	taskID     string
	dir        string
	worktree   string // committed to before an inactivity kill; empty for the merger
	resultPath string
	env        agent.TaskEnv
	// tracked agents get heartbeats and a PID in the snapshot.
	tracked bool
}

func (s *Scheduler) logPath(taskID, role string) string {
	return filepath.Join(s.opts.StateDir, "logs", fmt.Sprintf("%s-%s.log", taskID, role))
}

func (s *Scheduler) spec(run agentRun, tracker *activityTracker) agent.Spec {
	env := append([]string{}, run.command.Env...)
	env = append(env, run.env.Vars()...)
	return agent.Spec{
		Role:     run.role,
		Command:  run.command.Command,
		Args:     run.command.Args,
		Dir:      run.dir,
		Env:      env,
		LogPath:  s.logPath(run.taskID, run.role),
		OnOutput: s.onOutput(run, tracker),
	}
}

func (s *Scheduler) onOutput(run agentRun, tracker *activityTracker) func([]byte) {
	return func(chunk []byte) {
		at := tracker.Record()
		_, _ = s.st.output.Write(chunk)
		s.mu.Lock()
		s.st.lastOutputAt = at
		s.mu.Unlock()
		s.publish(event.NewAgentOutputEvent(s.opts.ProjectID, run.taskID, run.role, chunk))
	}
}

// runAgent launches an agent and supervises it to exit. A launch failure
// is reported as an exit with code -1 so it classifies as a crash. The only
// error returned is ctx's, in which case the agent is left running.
func (s *Scheduler) runAgent(ctx context.Context, run agentRun) (codingExit, error) {
	if run.command.Command == "" {
		return codingExit{
			exitCode: -1,
			readErr:  errors.NewValidationError("no command configured for " + run.role + " agent").WithField("agents." + run.role),
		}, nil
	}
	if err := s.fs.Remove(run.resultPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove stale result file", "path", run.resultPath, "error", err)
	}

	tracker := newActivityTracker(s.opts.InactivityTimeout, s.now, time.Time{})
	h, err := s.launcher.Launch(s.spec(run, tracker))
	if err != nil {
		s.logger.Error("failed to launch agent", "task_id", run.taskID, "role", run.role, "error", err)
		return codingExit{exitCode: -1, readErr: err}, nil
	}
	return s.supervise(ctx, h, run, tracker, false)
}

// supervise tracks a launched or re-attached agent until it exits, writing
// heartbeats and enforcing the inactivity timeout, then reads its result.
func (s *Scheduler) supervise(ctx context.Context, h agent.Handle, run agentRun, tracker *activityTracker, reattached bool) (codingExit, error) {
	log := s.logger.WithTask(run.taskID).With("role", run.role, "pid", h.PID())
	started := s.now()

	s.mu.Lock()
	s.proc = h
	s.st.pid = h.PID()
	s.st.role = run.role
	s.st.lastOutputAt = tracker.LastActivity()
	attempt := s.st.attempt
	s.mu.Unlock()

	if run.tracked {
		if err := s.persist(); err != nil {
			log.Error("failed to persist snapshot after spawn", "error", err)
		}
	}
	log.Info("agent started", "reattached", reattached)
	s.publish(event.NewAgentStartedEvent(s.opts.ProjectID, run.taskID, run.role, h.PID(), run.dir, attempt, reattached))

	var hb *heartbeat.Writer
	if run.tracked {
		hb = heartbeat.StartWriter(s.heartbeats, run.taskID, h.PID(), s.opts.HeartbeatInterval, tracker.LastActivity, func(err error) {
			log.Warn("failed to write heartbeat", "error", err)
		})
	}

	timedOut, err := s.monitor(ctx, h, run, tracker)
	if hb != nil {
		hb.Stop()
	}
	if err != nil {
		// Leave the agent and snapshot alone for the next run to re-attach.
		return codingExit{}, err
	}

	exitCode := -1
	select {
	case <-h.Done():
		exitCode = h.ExitCode()
	default:
	}

	s.mu.Lock()
	s.proc = nil
	s.st.pid = 0
	s.mu.Unlock()

	result, readErr := agent.ReadResult(run.resultPath)
	var status string
	if result != nil {
		status = string(agent.NormalizeStatus(result.Status))
	}
	duration := s.now().Sub(started)
	log.Info("agent exited", "exit_code", exitCode, "status", status, "timed_out", timedOut, "duration", duration)
	s.publish(event.NewAgentCompletedEvent(s.opts.ProjectID, run.taskID, run.role, h.PID(), exitCode, status, timedOut, duration))

	return codingExit{exitCode: exitCode, timedOut: timedOut, result: result, readErr: readErr}, nil
}

// monitor blocks until the agent exits. It reports whether the agent was
// killed for inactivity.
func (s *Scheduler) monitor(ctx context.Context, h agent.Handle, run agentRun, tracker *activityTracker) (bool, error) {
	ticker := time.NewTicker(s.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.Done():
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}

		if !s.alive(h.PID()) {
			// Give the handle a moment to drain output, but do not wait
			// for the inactivity timeout.
			select {
			case <-h.Done():
			case <-time.After(s.opts.MonitorInterval):
			}
			return false, nil
		}

		if !tracker.Check() {
			continue
		}
		s.logger.WithTask(run.taskID).Warn("agent inactive, terminating",
			"role", run.role,
			"pid", h.PID(),
			"last_output", tracker.LastActivity(),
			"timeout", s.opts.InactivityTimeout,
		)
		if run.tracked {
			// Recorded before the kill so a restart mid-termination still
			// classifies the attempt as a timeout.
			s.mu.Lock()
			s.st.killedDueToTimeout = true
			s.mu.Unlock()
			if err := s.persist(); err != nil {
				s.logger.Error("failed to persist timeout snapshot", "task_id", run.taskID, "error", err)
			}
		}
		if run.worktree != "" {
			if _, err := s.repo.CommitWIP(run.worktree, fmt.Sprintf("foreman: %s work in progress before timeout", run.taskID)); err != nil {
				s.logger.Warn("failed to commit work before kill", "task_id", run.taskID, "error", err)
			}
		}
		if err := h.Terminate(s.opts.KillGrace); err != nil {
			s.logger.Error("failed to terminate agent", "task_id", run.taskID, "pid", h.PID(), "error", err)
		}
		select {
		case <-h.Done():
		case <-time.After(s.opts.MonitorInterval):
		case <-ctx.Done():
			return true, ctx.Err()
		}
		return true, nil
	}
}

// attach re-attaches to an agent recorded in the snapshot and seeds the
// output buffer from its log.
func (s *Scheduler) attach(ctx context.Context, run agentRun, lastOutput time.Time) (codingExit, error) {
	if tail, err := agent.ReadLogTail(s.logPath(run.taskID, run.role), s.opts.OutputBufferSize); err == nil {
		_, _ = s.st.output.Write(tail)
	}

	s.mu.Lock()
	pid := s.st.pid
	s.mu.Unlock()

	tracker := newActivityTracker(s.opts.InactivityTimeout, s.now, lastOutput)
	h, err := s.launcher.Attach(pid, s.spec(run, tracker))
	if err != nil {
		return codingExit{}, err
	}
	return s.supervise(ctx, h, run, tracker, true)
}

func (s *Scheduler) codingRun(taskID, worktree, branch string, attempt int, retry *RetryContext) agentRun {
	env := agent.TaskEnv{
		Role:       snapshot.RoleCoder,
		TaskID:     taskID,
		Branch:     branch,
		Attempt:    attempt,
		PromptFile: artifactPath(worktree, CodingPromptFile),
		ResultFile: artifactPath(worktree, CodingResultFile),
	}
	if s.tests != nil {
		env.TestCommand = s.tests.FullCommand()
	}
	if retry != nil {
		env.RetryReason = retry.PreviousFailure
		env.FailureType = string(retry.FailureType)
		env.ReuseBranch = retry.ReuseBranch
	}
	return agentRun{
		role:       snapshot.RoleCoder,
		command:    s.opts.Coder,
		taskID:     taskID,
		dir:        worktree,
		worktree:   worktree,
		resultPath: env.ResultFile,
		env:        env,
		tracked:    true,
	}
}

func (s *Scheduler) reviewRun(taskID, worktree, branch string, attempt int) agentRun {
	env := agent.TaskEnv{
		Role:       snapshot.RoleReviewer,
		TaskID:     taskID,
		Branch:     branch,
		Attempt:    attempt,
		PromptFile: artifactPath(worktree, ReviewPromptFile),
		ResultFile: artifactPath(worktree, ReviewResultFile),
	}
	return agentRun{
		role:       snapshot.RoleReviewer,
		command:    s.opts.Reviewer,
		taskID:     taskID,
		dir:        worktree,
		resultPath: env.ResultFile,
		env:        env,
		tracked:    true,
	}
}
