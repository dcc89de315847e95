// Package agent launches and supervises agent subprocesses.
//
// Agents are untrusted programs: they run in their own process group with
// output redirected to a log file, so they survive a foreman restart and can
// be re-attached by PID. A Handle is the one abstraction over a process that
// foreman started and one it re-attached to after a crash.
package agent

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
)

// DefaultPollInterval is how often log files are tailed and attached PIDs
// are checked.
const DefaultPollInterval = 250 * time.Millisecond

// Spec describes an agent process.
type Spec struct {
	Role    string
	Command string
	Args    []string
	Dir     string
	Env     []string // KEY=VALUE pairs added to the filtered parent environment
	LogPath string   // stdout and stderr are appended here

	// OnOutput receives new log bytes as they appear. Calls are serialized.
	OnOutput func([]byte)
}

// Handle is a running agent process.
type Handle interface {
	PID() int
	// Done is closed after the process has exited and its output is drained.
	Done() <-chan struct{}
	// ExitCode is valid after Done. -1 means unknown (signal or re-attached).
	ExitCode() int
	// Terminate sends SIGTERM to the process group, then SIGKILL after grace.
	Terminate(grace time.Duration) error
}

// Launcher starts agents and re-attaches to ones left by a previous run.
type Launcher interface {
	Launch(spec Spec) (Handle, error)
	Attach(pid int, spec Spec) (Handle, error)
}

// ExecLauncher runs agents with os/exec.
type ExecLauncher struct {
	PollInterval time.Duration
}

// NewExecLauncher creates an ExecLauncher with DefaultPollInterval.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{PollInterval: DefaultPollInterval}
}

func (l *ExecLauncher) interval() time.Duration {
	if l.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return l.PollInterval
}

// Launch starts spec.Command in spec.Dir.
func (l *ExecLauncher) Launch(spec Spec) (Handle, error) {
	if spec.Command == "" {
		return nil, errors.NewValidationError("agent command is required").WithField("command")
	}
	if spec.LogPath == "" {
		return nil, errors.NewValidationError("agent log path is required").WithField("log_path")
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
		return nil, errors.NewAgentError("failed to create log directory", err).WithRole(spec.Role)
	}
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.NewAgentError("failed to open agent log", err).WithRole(spec.Role)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(filteredEnv(EnvPrefix), spec.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, errors.NewAgentError("failed to start agent", errors.Join(errors.ErrAgentStartFailed, err)).
			WithRole(spec.Role)
	}
	// The child holds its own descriptor.
	logFile.Close()

	h := newHandle(cmd.Process.Pid)
	go func() {
		_ = cmd.Wait()
		h.exit(cmd.ProcessState.ExitCode())
	}()
	go h.tail(spec.LogPath, 0, l.interval(), spec.OnOutput)
	return h, nil
}

// Attach supervises an already-running process by PID. Output written to
// spec.LogPath from now on is delivered to spec.OnOutput.
func (l *ExecLauncher) Attach(pid int, spec Spec) (Handle, error) {
	if !IsAlive(pid) {
		return nil, errors.NewAgentError("cannot attach", errors.ErrAgentNotRunning).
			WithRole(spec.Role).
			WithPID(pid).
			WithRetryable(false)
	}

	var offset int64
	if spec.LogPath != "" {
		if info, err := os.Stat(spec.LogPath); err == nil {
			offset = info.Size()
		}
	}

	h := newHandle(pid)
	go h.pollExit(l.interval())
	go h.tail(spec.LogPath, offset, l.interval(), spec.OnOutput)
	return h, nil
}

type handle struct {
	pid      int
	exitCode atomic.Int64
	exited   chan struct{}
	done     chan struct{}
	exitOnce sync.Once
}

func newHandle(pid int) *handle {
	h := &handle{
		pid:    pid,
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	h.exitCode.Store(-1)
	return h
}

func (h *handle) PID() int              { return h.pid }
func (h *handle) Done() <-chan struct{} { return h.done }
func (h *handle) ExitCode() int         { return int(h.exitCode.Load()) }

func (h *handle) exit(code int) {
	h.exitOnce.Do(func() {
		h.exitCode.Store(int64(code))
		close(h.exited)
	})
}

func (h *handle) pollExit(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.exited:
			return
		case <-ticker.C:
			if !IsAlive(h.pid) {
				h.exit(-1)
				return
			}
		}
	}
}

// tail forwards new bytes of path to onOutput until the process exits,
// then drains the remainder and closes done.
func (h *handle) tail(path string, offset int64, interval time.Duration, onOutput func([]byte)) {
	defer close(h.done)
	if path == "" || onOutput == nil {
		<-h.exited
		return
	}

	read := func() {
		f, err := os.Open(path)
		if err != nil {
			return
		}
		defer f.Close()
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return
		}
		buf := make([]byte, 32*1024)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				offset += int64(n)
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onOutput(chunk)
			}
			if err != nil {
				return
			}
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.exited:
			read()
			return
		case <-ticker.C:
			read()
		}
	}
}

func (h *handle) Terminate(grace time.Duration) error {
	select {
	case <-h.exited:
		return nil
	default:
	}

	if err := signalGroup(h.pid, syscall.SIGTERM); err != nil {
		return errors.NewAgentError("failed to send SIGTERM", err).WithPID(h.pid)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.exited:
		return nil
	case <-timer.C:
	}

	if err := signalGroup(h.pid, syscall.SIGKILL); err != nil {
		return errors.NewAgentError("failed to send SIGKILL", err).WithPID(h.pid)
	}
	select {
	case <-h.exited:
	case <-time.After(grace):
	}
	return nil
}

// signalGroup signals pid's process group, falling back to the process
// itself. A process that is already gone is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if err == syscall.ESRCH || err == syscall.EPERM {
		err = syscall.Kill(pid, sig)
	}
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// IsAlive reports whether a process with pid exists.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// filteredEnv returns os.Environ() without variables starting with prefix,
// so a nested foreman never leaks its own task context into an agent.
func filteredEnv(prefix string) []string {
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ReadLogTail returns up to the last n bytes of the log at path.
func ReadLogTail(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := info.Size() - int64(n)
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}
