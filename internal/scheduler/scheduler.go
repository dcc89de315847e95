// Package scheduler runs the per-project loop that selects backlog tasks,
// supervises coding, review, and merger agents, merges approved work into
// trunk, and recovers in-flight work after a crash.
//
// Each project is owned by one Scheduler. All iterations run on the
// scheduler's own goroutine; other goroutines only wake it through Nudge.
// The persisted snapshot, not memory, is the source of truth on restart.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/foreman/internal/agent"
	"github.com/Iron-Ham/foreman/internal/backlog"
	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/heartbeat"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/session"
	"github.com/Iron-Ham/foreman/internal/snapshot"
	"github.com/Iron-Ham/foreman/internal/testrunner"
	"github.com/Iron-Ham/foreman/internal/worktree"
)

// Nudge reasons
const (
	ReasonStart      = "start"
	ReasonWatchdog   = "watchdog"
	ReasonBacklog    = "backlog_changed"
	ReasonCooldown   = "cooldown"
	ReasonRetry      = "retry"
	ReasonErrorRetry = "error_retry"
	ReasonManual     = "manual"
)

// TestRunner runs the tests relevant to a set of changed files.
type TestRunner interface {
	Run(ctx context.Context, dir string, changedFiles []string) (*testrunner.Result, error)
	FullCommand() string
}

// Options configures one project's scheduler.
type Options struct {
	ProjectID  string
	AgentName  string
	ReviewMode string
	// StateDir is the project's state directory; agent logs go under it.
	StateDir string

	Coder       config.AgentCommand
	Reviewer    config.AgentCommand
	Merger      config.AgentCommand
	SharedLinks []string

	InactivityTimeout time.Duration
	HeartbeatInterval time.Duration
	MonitorInterval   time.Duration
	KillGrace         time.Duration
	WatchdogInterval  time.Duration
	Cooldown          time.Duration
	RetryDelay        time.Duration
	ErrorDelay        time.Duration
	GitIdleTimeout    time.Duration
	StaleLockAge      time.Duration

	DemotionThreshold int
	MaxPriority       int
	MaxInfraRetries   int
	OutputBufferSize  int
}

// OptionsFromConfig derives a project's Options from the loaded config.
func OptionsFromConfig(cfg *config.Config, project config.ProjectConfig) Options {
	sc := cfg.Scheduler
	reviewMode := sc.ReviewMode
	if project.ReviewMode != "" {
		reviewMode = project.ReviewMode
	}
	return Options{
		ProjectID:         project.ID,
		AgentName:         sc.AgentName,
		ReviewMode:        reviewMode,
		StateDir:          cfg.ProjectStateDir(project.ID),
		Coder:             cfg.Agents.Coder,
		Reviewer:          cfg.Agents.Reviewer,
		Merger:            cfg.Agents.Merger,
		SharedLinks:       cfg.Agents.SharedLinks,
		InactivityTimeout: sc.InactivityTimeout(),
		HeartbeatInterval: sc.HeartbeatInterval(),
		MonitorInterval:   sc.MonitorInterval(),
		KillGrace:         sc.KillGrace(),
		WatchdogInterval:  sc.WatchdogInterval(),
		Cooldown:          sc.Cooldown(),
		RetryDelay:        sc.RetryDelay(),
		ErrorDelay:        sc.ErrorDelay(),
		GitIdleTimeout:    sc.GitIdleTimeout(),
		StaleLockAge:      sc.GitIdleTimeout(),
		DemotionThreshold: sc.DemotionThreshold,
		MaxPriority:       sc.MaxPriority,
		MaxInfraRetries:   sc.MaxInfraRetries,
		OutputBufferSize:  sc.OutputBufferSize,
	}
}

func (o *Options) applyDefaults() {
	if o.AgentName == "" {
		o.AgentName = "foreman"
	}
	if o.ReviewMode == "" {
		o.ReviewMode = config.ReviewOnFailure
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 3 * time.Minute
	}
	if o.KillGrace <= 0 {
		o.KillGrace = 10 * time.Second
	}
	if o.DemotionThreshold <= 0 {
		o.DemotionThreshold = 3
	}
	if o.MaxPriority <= 0 {
		o.MaxPriority = 4
	}
	if o.MaxInfraRetries < 0 {
		o.MaxInfraRetries = 0
	}
	if o.OutputBufferSize <= 0 {
		o.OutputBufferSize = 256 * 1024
	}
}

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Backlog    backlog.Backlog
	Repo       worktree.Repository
	Launcher   agent.Launcher
	Tests      TestRunner // nil skips the test gate
	Archive    session.Archive
	Snapshots  *snapshot.Store
	Heartbeats *heartbeat.Store
	MergeQueue *MergeQueue // shared by schedulers writing the same trunk
	Bus        *event.Bus
	Logger     *logging.Logger

	// Fs writes agent artifacts. Defaults to the OS filesystem.
	Fs afero.Fs
	// Alive reports whether a PID is running. Defaults to agent.IsAlive.
	Alive func(pid int) bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Scheduler is the actor that owns one project's loop and state.
type Scheduler struct {
	opts Options

	backlog    backlog.Backlog
	repo       worktree.Repository
	launcher   agent.Launcher
	tests      TestRunner
	archive    session.Archive
	snapshots  *snapshot.Store
	heartbeats *heartbeat.Store
	merges     *MergeQueue
	bus        *event.Bus
	logger     *logging.Logger
	fs         afero.Fs
	alive      func(pid int) bool
	now        func() time.Time

	mu         sync.Mutex
	st         state
	proc       agent.Handle
	pending    *RetryContext
	resumeFrom time.Time
	loopActive bool
	scheduled  bool
	timer      *time.Timer
	started    bool
	stopped    bool

	cancel   context.CancelFunc
	wake     chan string
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New validates deps and creates an idle, unstarted Scheduler.
func New(opts Options, deps Deps) (*Scheduler, error) {
	if opts.ProjectID == "" {
		return nil, errors.NewValidationError("project id is required").WithField("project_id")
	}
	switch {
	case deps.Backlog == nil:
		return nil, errors.NewValidationError("backlog is required").WithField("backlog")
	case deps.Repo == nil:
		return nil, errors.NewValidationError("repository is required").WithField("repo")
	case deps.Launcher == nil:
		return nil, errors.NewValidationError("agent launcher is required").WithField("launcher")
	case deps.Archive == nil:
		return nil, errors.NewValidationError("session archive is required").WithField("archive")
	case deps.Snapshots == nil:
		return nil, errors.NewValidationError("snapshot store is required").WithField("snapshots")
	case deps.Heartbeats == nil:
		return nil, errors.NewValidationError("heartbeat store is required").WithField("heartbeats")
	}
	opts.applyDefaults()

	s := &Scheduler{
		opts:       opts,
		backlog:    deps.Backlog,
		repo:       deps.Repo,
		launcher:   deps.Launcher,
		tests:      deps.Tests,
		archive:    deps.Archive,
		snapshots:  deps.Snapshots,
		heartbeats: deps.Heartbeats,
		merges:     deps.MergeQueue,
		bus:        deps.Bus,
		logger:     deps.Logger,
		fs:         deps.Fs,
		alive:      deps.Alive,
		now:        deps.Now,
		wake:       make(chan string, 1),
		stop:       make(chan struct{}),
	}
	if s.merges == nil {
		s.merges = NewMergeQueue()
	}
	if s.logger == nil {
		s.logger = logging.NopLogger()
	}
	s.logger = s.logger.WithProject(opts.ProjectID)
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	if s.alive == nil {
		s.alive = agent.IsAlive
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.st.phase = snapshot.PhaseIdle
	s.st.output = agent.NewRingBuffer(opts.OutputBufferSize)
	return s, nil
}

// ProjectID returns the project this scheduler owns.
func (s *Scheduler) ProjectID() string { return s.opts.ProjectID }

// EnsureRunning starts the loop goroutine if it is not running yet: it
// reconciles persisted state, then selects work and arms the watchdog.
// It returns false when the loop was already started.
func (s *Scheduler) EnsureRunning(ctx context.Context) bool {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return false
	}
	s.started = true
	// Recovery counts as an active iteration.
	s.loopActive = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
	return true
}

// Nudge wakes the loop for one iteration. It is a no-op, returning false,
// when an iteration is already active, a re-arm is scheduled, an agent is
// running, or the loop has not been started.
func (s *Scheduler) Nudge(reason string) bool {
	s.mu.Lock()
	if !s.started || s.stopped || s.loopActive || s.scheduled || s.proc != nil {
		s.mu.Unlock()
		return false
	}
	s.loopActive = true
	s.mu.Unlock()

	s.logger.Debug("scheduler nudged", "reason", reason)
	select {
	case s.wake <- reason:
	default:
	}
	return true
}

// Stop ends the loop goroutine and waits for it. A running agent is left
// alone; the next start re-attaches to it from the snapshot.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
			s.scheduled = false
		}
		s.mu.Unlock()
		close(s.stop)
	})
	s.wg.Wait()
}

// Status returns the current in-memory state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ProjectID:    s.opts.ProjectID,
		TaskID:       s.st.taskID,
		Phase:        s.st.phase,
		Branch:       s.st.branch,
		PID:          s.st.pid,
		Role:         s.st.role,
		Attempt:      s.st.attempt,
		InfraRetries: s.st.infraRetries,
		QueueDepth:   s.st.queueDepth,
		Done:         s.st.done,
		Failed:       s.st.failed,
		LastOutputAt: s.st.lastOutputAt,
		Running:      s.started && !s.stopped,
	}
}

// Output returns the buffered output of the current or last agent.
func (s *Scheduler) Output() string {
	return s.st.output.String()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	action, err := s.Recover(ctx)
	if err != nil {
		s.logger.Error("recovery failed", "error", err)
	}
	if action == RecoveryResume && err == nil {
		s.iterate(ctx, s.resume)
	} else {
		s.finishIteration(0, "")
		s.Nudge(ReasonStart)
	}

	watchdog := time.NewTicker(s.opts.WatchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancelTimer()
			return
		case <-s.stop:
			return
		case <-watchdog.C:
			s.Nudge(ReasonWatchdog)
		case reason := <-s.wake:
			s.logger.Debug("scheduler iteration", "reason", reason)
			s.iterate(ctx, s.step)
		}
	}
}

// iterate runs one step and re-arms the loop from its result. Errors never
// escape: they are logged and the loop re-arms after ErrorDelay.
func (s *Scheduler) iterate(ctx context.Context, step func(context.Context) (time.Duration, string, error)) {
	delay, reason, err := step(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.finishIteration(0, "")
			return
		}
		s.logger.Error("scheduler iteration failed", "error", err)
		delay, reason = s.opts.ErrorDelay, ReasonErrorRetry
	}
	s.finishIteration(delay, reason)
}

// RunOnce performs one synchronous iteration and returns the delay after
// which the loop would run again (0 means wait for a nudge) and the nudge
// reason it would use. It must not be called while the loop goroutine runs.
func (s *Scheduler) RunOnce(ctx context.Context) (time.Duration, string, error) {
	return s.step(ctx)
}

// finishIteration clears loopActive and, for a positive delay, schedules
// the next nudge in the same critical section.
func (s *Scheduler) finishIteration(delay time.Duration, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loopActive = false
	if delay <= 0 || s.stopped || s.scheduled {
		return
	}
	s.scheduled = true
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.scheduled = false
		s.timer = nil
		s.mu.Unlock()
		s.Nudge(reason)
	})
}

func (s *Scheduler) cancelTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.scheduled = false
}

// persist writes the current state as the project's snapshot.
func (s *Scheduler) persist() error {
	s.mu.Lock()
	snap := s.st.snapshot(s.opts.ProjectID, s.now())
	s.mu.Unlock()
	if err := s.snapshots.Save(snap); err != nil {
		return err
	}
	return nil
}

// transition moves to phase and snapshots the result.
func (s *Scheduler) transition(phase snapshot.Phase) error {
	s.mu.Lock()
	s.st.phase = phase
	s.mu.Unlock()
	s.logger.Debug("phase transition", "task_id", s.currentTask(), "phase", string(phase))
	return s.persist()
}

func (s *Scheduler) currentTask() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.taskID
}

func (s *Scheduler) publish(e event.Event) {
	s.bus.Publish(e)
}

// logErr logs err at the level its severity calls for.
func logErr(log *logging.Logger, msg string, err error, args ...any) {
	sev := errors.GetSeverity(err)
	args = append(args, "error", err, "severity", sev.String())
	switch sev {
	case errors.SeverityDebug, errors.SeverityInfo:
		log.Debug(msg, args...)
	case errors.SeverityWarning:
		log.Warn(msg, args...)
	default:
		log.Error(msg, args...)
	}
}
