package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/foreman/internal/agent"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
)

// LockFileName is the ownership lock inside a project's state directory.
const LockFileName = "scheduler.lock"

// ErrProjectLocked is returned when another live foreman process owns the project.
var ErrProjectLocked = errors.New("project is locked by another process")

// processAlive is swapped in tests.
var processAlive = agent.IsAlive

// Lock marks a project's state directory as owned by one foreman process,
// so two processes never recover or schedule the same project.
type Lock struct {
	ProjectID string    `json:"project_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	fs       afero.Fs
	lockFile string
	logger   *logging.Logger
}

// AcquireLock takes the lock in dir. A lock left by a dead process is
// replaced. logger may be nil.
func AcquireLock(fs afero.Fs, dir, projectID string, logger *logging.Logger) (*Lock, error) {
	lockPath := filepath.Join(dir, LockFileName)

	if existing, err := ReadLock(fs, lockPath); err == nil {
		if processAlive(existing.PID) {
			return nil, fmt.Errorf("%w: PID %d on %s", ErrProjectLocked, existing.PID, existing.Hostname)
		}
		if err := fs.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
		if logger != nil {
			logger.Warn("stale lock cleaned", "project", projectID, "old_pid", existing.PID)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &Lock{
		ProjectID: projectID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		fs:        fs,
		lockFile:  lockPath,
		logger:    logger,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	// O_EXCL loses the race cleanly against a concurrent acquirer.
	f, err := fs.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrProjectLocked
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = fs.Remove(lockPath)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	if logger != nil {
		logger.Info("project lock acquired", "project", projectID, "pid", lock.PID)
	}
	return lock, nil
}

// Release removes the lock if this process still owns it. Safe to call
// more than once.
func (l *Lock) Release() error {
	if l == nil || l.lockFile == "" {
		return nil
	}
	existing, err := ReadLock(l.fs, l.lockFile)
	if err != nil || existing.PID != l.PID {
		return nil
	}
	if err := l.fs.Remove(l.lockFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	if l.logger != nil {
		l.logger.Info("project lock released", "project", l.ProjectID)
	}
	return nil
}

// ReadLock reads a lock file.
func ReadLock(fs afero.Fs, lockPath string) (*Lock, error) {
	data, err := afero.ReadFile(fs, lockPath)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	lock.fs = fs
	lock.lockFile = lockPath
	return &lock, nil
}

// IsLocked reports whether dir is locked by a live process, returning the
// lock when one exists.
func IsLocked(fs afero.Fs, dir string) (*Lock, bool) {
	lock, err := ReadLock(fs, filepath.Join(dir, LockFileName))
	if err != nil {
		return nil, false
	}
	return lock, processAlive(lock.PID)
}
