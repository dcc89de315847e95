package cmd

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/foreman/internal/backlog"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler for every configured project",
	Long: `Run one scheduler loop per configured project until interrupted.

On start each project reconciles its snapshot: agents still running from a
previous foreman are re-attached, and tasks interrupted by a crash are
requeued. Changes to the backlog database wake idle schedulers immediately;
otherwise a watchdog re-checks every few minutes.

Stopping foreman leaves running agents alive. The next run re-attaches to them.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runQuiet   bool
	runVerbose bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not print task progress")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "also print agent output and idle checks")
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	if err := a.openLogger(); err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.buildSchedulers(ctx, true); err != nil {
		return err
	}
	if !runQuiet {
		subscribeProgress(a.bus, cmd.OutOrStdout(), runVerbose)
	}

	if a.cfg.Backlog.Watch {
		debounce := time.Duration(a.cfg.Backlog.DebounceMs) * time.Millisecond
		w, err := backlog.NewWatcher(a.cfg.BacklogPath(), debounce, func() {
			a.registry.NudgeAll(scheduler.ReasonBacklog)
		}, a.logger)
		if err != nil {
			a.logger.Warn("backlog watcher unavailable; relying on the watchdog", "error", err)
		} else {
			w.Start()
			defer w.Stop()
		}
	}

	a.registry.EnsureAllRunning(ctx)
	a.logger.Info("foreman running", "projects", len(a.projects))
	fmt.Fprintf(cmd.OutOrStdout(), "foreman running %d project(s); press Ctrl-C to stop\n", len(a.projects))

	<-ctx.Done()
	fmt.Fprintln(cmd.OutOrStdout(), "stopping; running agents are left alive")
	a.logger.Info("foreman stopping")
	return nil
}

// subscribeProgress prints one line per agent run and task outcome. With
// verbose set, agent output is streamed too, each line prefixed with its
// project and task.
func subscribeProgress(bus *event.Bus, w io.Writer, verbose bool) {
	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, format, args...)
	}

	bus.Subscribe(event.TypeAgentStarted, func(e event.Event) {
		ev := e.(event.AgentStartedEvent)
		verb := "started"
		if ev.Reattached {
			verb = "re-attached"
		}
		printf("[%s] %s %s %s (attempt %d, pid %d)\n", ev.ProjectID, ev.TaskID, ev.Role, verb, ev.Attempt, ev.PID)
	})
	bus.Subscribe(event.TypeAgentCompleted, func(e event.Event) {
		ev := e.(event.AgentCompletedEvent)
		outcome := orDash(ev.Status)
		if ev.TimedOut {
			outcome = "timed out"
		}
		printf("[%s] %s %s exited %d after %s: %s\n", ev.ProjectID, ev.TaskID, ev.Role, ev.ExitCode, ev.Duration.Round(time.Second), outcome)
	})
	bus.Subscribe(event.TypeTaskMerged, func(e event.Event) {
		ev := e.(event.TaskMergedEvent)
		pushed := ""
		if ev.Pushed {
			pushed = " and pushed"
		}
		printf("[%s] %s merged%s\n", ev.ProjectID, ev.TaskID, pushed)
	})
	bus.Subscribe(event.TypeTaskFailed, func(e event.Event) {
		ev := e.(event.TaskFailedEvent)
		printf("[%s] %s failed attempt %d (%s): %s\n", ev.ProjectID, ev.TaskID, ev.Attempt, ev.FailureType, firstLine(ev.Reason))
	})
	bus.Subscribe(event.TypeTaskBlocked, func(e event.Event) {
		ev := e.(event.TaskBlockedEvent)
		printf("[%s] %s blocked after %d attempts: %s\n", ev.ProjectID, ev.TaskID, ev.Attempts, firstLine(ev.Reason))
	})
	bus.Subscribe(event.TypePushFailed, func(e event.Event) {
		ev := e.(event.PushFailedEvent)
		printf("[%s] push of trunk failed after %s: %v\n", ev.ProjectID, ev.TaskID, ev.Err)
	})

	if !verbose {
		return
	}
	bus.Subscribe(event.TypeSchedulerIdle, func(e event.Event) {
		ev := e.(event.SchedulerIdleEvent)
		printf("[%s] idle: nothing runnable (%d done, %d failed)\n", ev.ProjectID, ev.Done, ev.Failed)
	})
	bus.Subscribe(event.TypeAgentOutput, func(e event.Event) {
		ev := e.(event.AgentOutputEvent)
		prefix := fmt.Sprintf("[%s/%s] ", ev.ProjectID, ev.TaskID)
		for _, line := range strings.SplitAfter(string(ev.Chunk), "\n") {
			if line == "" {
				continue
			}
			if !strings.HasSuffix(line, "\n") {
				line += "\n"
			}
			printf("%s%s", prefix, line)
		}
	})
}
