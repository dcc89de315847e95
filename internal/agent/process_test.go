package agent

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Iron-Ham/foreman/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

type outputSink struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (s *outputSink) write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(p)
}

func (s *outputSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func waitDone(t *testing.T, h Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not finish")
	}
}

func TestLaunch_StreamsOutputAndExitCode(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	sink := &outputSink{}
	launcher := &ExecLauncher{PollInterval: 10 * time.Millisecond}

	h, err := launcher.Launch(Spec{
		Role:     "coder",
		Command:  "sh",
		Args:     []string{"-c", `echo "task=$FOREMAN_TASK_ID"; echo oops >&2; exit 3`},
		Dir:      dir,
		Env:      TaskEnv{TaskID: "fm-1"}.Vars(),
		LogPath:  filepath.Join(dir, "logs", "coder.log"),
		OnOutput: sink.write,
	})
	require.NoError(t, err)
	assert.Positive(t, h.PID())

	waitDone(t, h)
	assert.Equal(t, 3, h.ExitCode())
	assert.Contains(t, sink.String(), "task=fm-1")
	assert.Contains(t, sink.String(), "oops")
}

func TestLaunch_FiltersInheritedForemanEnv(t *testing.T) {
	requireShell(t)
	t.Setenv("FOREMAN_TASK_ID", "parent-task")
	dir := t.TempDir()
	sink := &outputSink{}
	launcher := &ExecLauncher{PollInterval: 10 * time.Millisecond}

	h, err := launcher.Launch(Spec{
		Command:  "sh",
		Args:     []string{"-c", `echo "id=[$FOREMAN_TASK_ID]"`},
		Dir:      dir,
		LogPath:  filepath.Join(dir, "a.log"),
		OnOutput: sink.write,
	})
	require.NoError(t, err)
	waitDone(t, h)
	assert.Contains(t, sink.String(), "id=[]")
}

func TestLaunch_Validation(t *testing.T) {
	launcher := NewExecLauncher()
	_, err := launcher.Launch(Spec{LogPath: "/tmp/x.log"})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = launcher.Launch(Spec{Command: "true"})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = launcher.Launch(Spec{Command: "/nonexistent/agent-binary", LogPath: filepath.Join(t.TempDir(), "x.log")})
	assert.True(t, errors.Is(err, errors.ErrAgentStartFailed))
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	launcher := &ExecLauncher{PollInterval: 10 * time.Millisecond}

	h, err := launcher.Launch(Spec{
		Command: "sh",
		Args:    []string{"-c", `trap "" TERM; while true; do sleep 0.05; done`},
		Dir:     dir,
		LogPath: filepath.Join(dir, "stubborn.log"),
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, h.Terminate(100*time.Millisecond))
	waitDone(t, h)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "SIGKILL only after the grace period")
	assert.Equal(t, -1, h.ExitCode(), "killed by signal")

	require.NoError(t, h.Terminate(time.Millisecond), "terminating an exited agent is a no-op")
}

func TestAttach_FollowsExternalProcess(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	logPath := filepath.Join(dir, "external.log")
	require.NoError(t, os.WriteFile(logPath, []byte("before attach\n"), 0o644))

	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	cmd := exec.Command("sh", "-c", "sleep 0.3; echo after attach")
	cmd.Stdout = logFile
	require.NoError(t, cmd.Start())
	logFile.Close()
	// Reap the child so its PID disappears once it exits.
	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waited)
	}()

	sink := &outputSink{}
	launcher := &ExecLauncher{PollInterval: 10 * time.Millisecond}
	h, err := launcher.Attach(cmd.Process.Pid, Spec{LogPath: logPath, OnOutput: sink.write})
	require.NoError(t, err)

	waitDone(t, h)
	<-waited
	assert.Equal(t, -1, h.ExitCode())
	assert.Contains(t, sink.String(), "after attach")
	assert.NotContains(t, sink.String(), "before attach", "output written before attaching is not replayed")
}

func TestAttach_DeadPID(t *testing.T) {
	_, err := NewExecLauncher().Attach(999999, Spec{})
	assert.True(t, errors.Is(err, errors.ErrAgentNotRunning))
}

func TestIsAlive(t *testing.T) {
	assert.True(t, IsAlive(os.Getpid()))
	assert.False(t, IsAlive(0))
	assert.False(t, IsAlive(-5))
}

func TestReadLogTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	tail, err := ReadLogTail(path, 4)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(tail))

	all, err := ReadLogTail(path, 100)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(all))
}
