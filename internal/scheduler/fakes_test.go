package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/foreman/internal/agent"
	"github.com/Iron-Ham/foreman/internal/backlog"
	"github.com/Iron-Ham/foreman/internal/config"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/heartbeat"
	"github.com/Iron-Ham/foreman/internal/session"
	"github.com/Iron-Ham/foreman/internal/snapshot"
	"github.com/Iron-Ham/foreman/internal/testrunner"
	"github.com/Iron-Ham/foreman/internal/worktree"
)

// fakeBacklog is an in-memory backlog.Backlog. Ready returns open tasks in
// insertion order and, unless readyIgnoresBlockers is set, filters on
// blockers like a real store.
type fakeBacklog struct {
	mu       sync.Mutex
	order    []string
	tasks    map[string]*backlog.Task
	blockers map[string][]string
	comments map[string][]string

	readyIgnoresBlockers bool
}

func newFakeBacklog() *fakeBacklog {
	return &fakeBacklog{
		tasks:    make(map[string]*backlog.Task),
		blockers: make(map[string][]string),
		comments: make(map[string][]string),
	}
}

func (b *fakeBacklog) add(t backlog.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.Status == "" {
		t.Status = backlog.StatusOpen
	}
	if t.Type == "" {
		t.Type = backlog.TypeTask
	}
	if t.Title == "" {
		t.Title = "Task " + t.ID
	}
	b.order = append(b.order, t.ID)
	b.tasks[t.ID] = &t
}

func (b *fakeBacklog) block(taskID string, blockers ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockers[taskID] = append(b.blockers[taskID], blockers...)
}

func (b *fakeBacklog) task(id string) backlog.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.tasks[id]
}

func (b *fakeBacklog) taskComments(id string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.comments[id])
}

func (b *fakeBacklog) blockersClosedLocked(id string) bool {
	for _, blocker := range b.blockers[id] {
		if t, ok := b.tasks[blocker]; !ok || t.Status != backlog.StatusClosed {
			return false
		}
	}
	return true
}

func (b *fakeBacklog) Ready(_ context.Context) ([]*backlog.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*backlog.Task
	for _, id := range b.order {
		t := b.tasks[id]
		if t.Status != backlog.StatusOpen {
			continue
		}
		if !b.readyIgnoresBlockers && !b.blockersClosedLocked(id) {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

func (b *fakeBacklog) Show(_ context.Context, id string) (*backlog.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil, errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound)
	}
	c := *t
	return &c, nil
}

func (b *fakeBacklog) Update(_ context.Context, id string, u backlog.TaskUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound)
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Assignee != nil {
		t.Assignee = *u.Assignee
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	return nil
}

func (b *fakeBacklog) Close(_ context.Context, id, summary string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.tasks[id]
	t.Status = backlog.StatusClosed
	t.CloseSummary = summary
	t.Assignee = ""
	return nil
}

func (b *fakeBacklog) Comment(_ context.Context, id, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.comments[id] = append(b.comments[id], text)
	return nil
}

func (b *fakeBacklog) GetCumulativeAttempts(_ context.Context, id string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tasks[id].CumulativeAttempts, nil
}

func (b *fakeBacklog) SetCumulativeAttempts(_ context.Context, id string, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[id].CumulativeAttempts = n
	return nil
}

func (b *fakeBacklog) AreAllBlockersClosed(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockersClosedLocked(id), nil
}

func (b *fakeBacklog) ListAll(ctx context.Context) ([]*backlog.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*backlog.Task
	for _, id := range b.order {
		c := *b.tasks[id]
		out = append(out, &c)
	}
	return out, nil
}

// fakeRepo is a worktree.Repository that keeps branches in memory and
// creates real (empty) worktree directories under root.
type fakeRepo struct {
	mu sync.Mutex

	root      string
	remote    bool
	branches  map[string]int // branch -> commits ahead of trunk
	worktrees map[string]bool
	merged    []string
	wip       []string

	diff    string
	changed []string

	mergeErr         error
	pushErrs         []error
	pushCalls        int
	rebaseInProgress bool
	aborts           int
}

var _ worktree.Repository = (*fakeRepo)(nil)

func newFakeRepo(t *testing.T) *fakeRepo {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "repo"), 0o755))
	return &fakeRepo{
		root:      root,
		branches:  make(map[string]int),
		worktrees: make(map[string]bool),
		diff:      "diff --git a/main.go b/main.go\n+// change\n",
		changed:   []string{"main.go"},
	}
}

func (r *fakeRepo) BranchName(taskID string) string   { return "foreman/" + taskID }
func (r *fakeRepo) WorktreePath(taskID string) string { return filepath.Join(r.root, "worktrees", taskID) }
func (r *fakeRepo) Trunk() string                     { return "main" }
func (r *fakeRepo) RepoDir() string                   { return filepath.Join(r.root, "repo") }

func (r *fakeRepo) HasRemote() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remote
}

func (r *fakeRepo) CreateTaskWorktree(taskID string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, branch := r.WorktreePath(taskID), r.BranchName(taskID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", "", err
	}
	r.worktrees[path] = true
	if _, ok := r.branches[branch]; !ok {
		r.branches[branch] = 0
	}
	return path, branch, nil
}

func (r *fakeRepo) RemoveTaskWorktree(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.worktrees, path)
	return os.RemoveAll(path)
}

func (r *fakeRepo) CommitWIP(path, message string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wip = append(r.wip, message)
	r.branches[r.BranchName(filepath.Base(path))]++
	return true, nil
}

func (r *fakeRepo) CaptureUncommittedDiff(string) (string, error) { return "", nil }
func (r *fakeRepo) LinkShared(string, []string) error             { return nil }

func (r *fakeRepo) WaitForIdle(context.Context, string, time.Duration) error { return nil }

func (r *fakeRepo) CaptureBranchDiff(string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.diff, nil
}

func (r *fakeRepo) GetChangedFiles(string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.changed), nil
}

func (r *fakeRepo) GetCommitCountAhead(branch string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.branches[branch]
	if !ok {
		return 0, errors.NewGitError("no such branch", errors.ErrBranchNotFound).WithBranch(branch)
	}
	return n, nil
}

func (r *fakeRepo) BranchExists(branch string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.branches[branch]
	return ok
}

func (r *fakeRepo) hasWorktree(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.worktrees[r.WorktreePath(taskID)]
}

func (r *fakeRepo) DeleteBranch(branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.branches[branch]; !ok {
		return errors.NewGitError("no such branch", errors.ErrBranchNotFound).WithBranch(branch)
	}
	delete(r.branches, branch)
	return nil
}

func (r *fakeRepo) EnsureOnMain() error { return nil }

func (r *fakeRepo) MergeBranch(branch, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mergeErr != nil {
		return r.mergeErr
	}
	r.merged = append(r.merged, branch)
	return nil
}

func (r *fakeRepo) PushMain() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushCalls++
	if len(r.pushErrs) == 0 {
		return nil
	}
	err := r.pushErrs[0]
	r.pushErrs = r.pushErrs[1:]
	if ce, ok := worktree.AsConflict(err); ok && ce.Op == worktree.OpRebase {
		r.rebaseInProgress = true
	}
	return err
}

func (r *fakeRepo) IsRebaseInProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebaseInProgress
}

func (r *fakeRepo) RebaseAbort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborts++
	r.rebaseInProgress = false
	return nil
}

func (r *fakeRepo) finishRebase() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebaseInProgress = false
}

func (r *fakeRepo) ConflictDiff() (string, error) { return "<<<<<<< HEAD\n=======\n>>>>>>> theirs\n", nil }

func (r *fakeRepo) ClearStaleLocks(time.Duration) ([]string, error) { return nil, nil }

// behavior scripts one fake agent run.
type behavior struct {
	status   string // written to the result file; empty writes nothing
	summary  string
	issues   []string
	exitCode int
	output   []string
	hang     bool // run until terminated
	delay    time.Duration
	onRun    func(spec agent.Spec)
}

// fakeLauncher runs scripted agents in goroutines.
type fakeLauncher struct {
	mu       sync.Mutex
	scripts  map[string][]behavior
	launches []agent.Spec
	attached []int
	nextPID  int
	handles  map[int]*fakeHandle

	attachBehavior behavior
	attachErr      error

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		scripts: make(map[string][]behavior),
		handles: make(map[int]*fakeHandle),
		nextPID: 1000,
	}
}

func (l *fakeLauncher) script(role string, b ...behavior) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scripts[role] = append(l.scripts[role], b...)
}

func (l *fakeLauncher) launchesFor(role string) []agent.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []agent.Spec
	for _, spec := range l.launches {
		if spec.Role == role {
			out = append(out, spec)
		}
	}
	return out
}

func (l *fakeLauncher) Launch(spec agent.Spec) (agent.Handle, error) {
	l.mu.Lock()
	b := behavior{status: "done", summary: "implemented"}
	if q := l.scripts[spec.Role]; len(q) > 0 {
		b, l.scripts[spec.Role] = q[0], q[1:]
	}
	l.nextPID++
	h := newFakeHandle(l.nextPID)
	l.handles[h.pid] = h
	l.launches = append(l.launches, spec)
	l.mu.Unlock()

	go l.run(h, spec, b)
	return h, nil
}

func (l *fakeLauncher) Attach(pid int, spec agent.Spec) (agent.Handle, error) {
	l.mu.Lock()
	if l.attachErr != nil {
		l.mu.Unlock()
		return nil, l.attachErr
	}
	l.attached = append(l.attached, pid)
	b := l.attachBehavior
	h := newFakeHandle(pid)
	l.handles[pid] = h
	l.mu.Unlock()

	go l.run(h, spec, b)
	return h, nil
}

func (l *fakeLauncher) run(h *fakeHandle, spec agent.Spec, b behavior) {
	n := l.active.Add(1)
	for {
		m := l.maxActive.Load()
		if n <= m || l.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	defer func() {
		l.active.Add(-1)
		close(h.done)
	}()

	if b.onRun != nil {
		b.onRun(spec)
	}
	for _, chunk := range b.output {
		if spec.OnOutput != nil {
			spec.OnOutput([]byte(chunk))
		}
	}
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-h.term:
		}
	}
	if b.hang {
		<-h.term
		h.exitCode.Store(-1)
		return
	}
	if b.status != "" {
		writeResult(envValue(spec.Env, agent.EnvResultFile), agent.Result{Status: b.status, Summary: b.summary, Issues: b.issues})
	}
	h.exitCode.Store(int64(b.exitCode))
}

// alive treats a fake PID as running until its handle is done. PIDs in
// extra are always alive.
func (l *fakeLauncher) alive(extra ...int) func(int) bool {
	return func(pid int) bool {
		if slices.Contains(extra, pid) {
			return true
		}
		l.mu.Lock()
		h, ok := l.handles[pid]
		l.mu.Unlock()
		if !ok {
			return false
		}
		select {
		case <-h.done:
			return false
		default:
			return true
		}
	}
}

type fakeHandle struct {
	pid        int
	done       chan struct{}
	term       chan struct{}
	termOnce   sync.Once
	exitCode   atomic.Int64
	terminated atomic.Bool
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{}), term: make(chan struct{})}
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) ExitCode() int         { return int(h.exitCode.Load()) }

func (h *fakeHandle) Terminate(grace time.Duration) error {
	h.terminated.Store(true)
	h.termOnce.Do(func() { close(h.term) })
	select {
	case <-h.done:
	case <-time.After(grace):
	}
	return nil
}

func envValue(env []string, key string) string {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v
		}
	}
	return ""
}

func writeResult(path string, res agent.Result) {
	if path == "" {
		return
	}
	data, _ := json.Marshal(res)
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	_ = os.WriteFile(path, data, 0o644)
}

// fakeTests returns scripted results in order, then passes.
type fakeTests struct {
	mu      sync.Mutex
	results []*testrunner.Result
	calls   [][]string
}

func (f *fakeTests) Run(_ context.Context, _ string, files []string) (*testrunner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, files)
	if len(f.results) == 0 {
		return &testrunner.Result{Passed: 3, Command: "go test ./..."}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

func (f *fakeTests) FullCommand() string { return "go test ./..." }

// recorder captures published events.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(eventType string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

// harness wires a Scheduler to fakes. State files live in an in-memory
// filesystem; worktrees and agent artifacts are real temp directories.
type harness struct {
	s          *Scheduler
	opts       Options
	backlog    *fakeBacklog
	repo       *fakeRepo
	launcher   *fakeLauncher
	tests      *fakeTests
	stateFs    afero.Fs
	snapshots  *snapshot.Store
	heartbeats *heartbeat.Store
	archive    *session.FileArchive
	events     *recorder
	alivePIDs  []int
}

func testOptions(t *testing.T) Options {
	return Options{
		ProjectID:         "proj",
		AgentName:         "foreman",
		ReviewMode:        config.ReviewSkip,
		StateDir:          t.TempDir(),
		Coder:             config.AgentCommand{Command: "coder"},
		Reviewer:          config.AgentCommand{Command: "reviewer"},
		Merger:            config.AgentCommand{Command: "merger"},
		InactivityTimeout: time.Minute,
		HeartbeatInterval: 10 * time.Millisecond,
		MonitorInterval:   5 * time.Millisecond,
		KillGrace:         50 * time.Millisecond,
		WatchdogInterval:  time.Hour,
		Cooldown:          time.Millisecond,
		RetryDelay:        time.Millisecond,
		ErrorDelay:        time.Millisecond,
		GitIdleTimeout:    time.Second,
		DemotionThreshold: 3,
		MaxPriority:       4,
		MaxInfraRetries:   2,
		OutputBufferSize:  4096,
	}
}

func newHarness(t *testing.T, configure ...func(*Options, *harness)) *harness {
	t.Helper()
	h := &harness{
		opts:     testOptions(t),
		backlog:  newFakeBacklog(),
		repo:     newFakeRepo(t),
		launcher: newFakeLauncher(),
		tests:    &fakeTests{},
		stateFs:  afero.NewMemMapFs(),
		events:   &recorder{},
	}
	for _, fn := range configure {
		fn(&h.opts, h)
	}
	h.snapshots = snapshot.NewStore(h.stateFs, "/state/proj")
	h.heartbeats = heartbeat.NewStore(h.stateFs, "/state/proj/heartbeats")
	h.archive = session.NewFileArchive(h.stateFs, "/state/proj/sessions")

	bus := event.NewBus()
	bus.SubscribeAll(h.events.handle)

	s, err := New(h.opts, Deps{
		Backlog:    h.backlog,
		Repo:       h.repo,
		Launcher:   h.launcher,
		Tests:      h.tests,
		Archive:    h.archive,
		Snapshots:  h.snapshots,
		Heartbeats: h.heartbeats,
		Bus:        bus,
		Alive:      h.launcher.alive(h.alivePIDs...),
	})
	require.NoError(t, err)
	h.s = s
	t.Cleanup(s.Stop)
	return h
}

func (h *harness) runOnce(t *testing.T) (time.Duration, string) {
	t.Helper()
	delay, reason, err := h.s.RunOnce(context.Background())
	require.NoError(t, err)
	return delay, reason
}

func (h *harness) sessions(t *testing.T, taskID string) []*session.Record {
	t.Helper()
	records, err := h.archive.List(context.Background(), taskID)
	require.NoError(t, err)
	return records
}

func (h *harness) loadSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	snap, err := h.snapshots.Load()
	if errors.IsNotFound(err) {
		return nil
	}
	require.NoError(t, err)
	return snap
}
