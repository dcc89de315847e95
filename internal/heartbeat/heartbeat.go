// Package heartbeat persists per-task liveness records so a restarted
// foreman can judge whether an agent it lost track of is still working.
package heartbeat

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/util"
)

// Record is the content of a heartbeat file.
type Record struct {
	TaskID       string    `json:"task_id"`
	PID          int       `json:"pid"`
	LastOutputAt time.Time `json:"last_output_at"`
	WrittenAt    time.Time `json:"written_at"`
}

// Store reads and writes heartbeat files under a directory, one per task.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore creates a Store rooted at dir.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

// Path returns the heartbeat file for taskID.
func (s *Store) Path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

// Write atomically replaces the heartbeat for rec.TaskID.
func (s *Store) Write(rec Record) error {
	if rec.TaskID == "" {
		return errors.NewValidationError("heartbeat requires a task id").WithField("TaskID")
	}
	return util.WriteJSONAtomic(s.fs, s.Path(rec.TaskID), rec)
}

// Read loads the heartbeat for taskID.
func (s *Store) Read(taskID string) (Record, error) {
	data, err := afero.ReadFile(s.fs, s.Path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, errors.NewNotFoundError("heartbeat", taskID).WithCause(errors.ErrHeartbeatNotFound)
		}
		return Record{}, errors.Wrapf(err, "failed to read heartbeat for %s", taskID)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, errors.Wrapf(err, "failed to parse heartbeat for %s", taskID)
	}
	return rec, nil
}

// Remove deletes the heartbeat for taskID. A missing file is not an error.
func (s *Store) Remove(taskID string) error {
	if err := s.fs.Remove(s.Path(taskID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove heartbeat for %s", taskID)
	}
	return nil
}

// Freshest returns the later of the heartbeat's last-output time and
// fallback. A missing or unreadable heartbeat yields fallback.
func (s *Store) Freshest(taskID string, fallback time.Time) time.Time {
	rec, err := s.Read(taskID)
	if err != nil || rec.LastOutputAt.Before(fallback) {
		return fallback
	}
	return rec.LastOutputAt
}

// IsStale reports whether more than threshold has passed since lastOutput.
// A zero lastOutput is always stale.
func IsStale(lastOutput time.Time, threshold time.Duration, now time.Time) bool {
	if lastOutput.IsZero() {
		return true
	}
	return now.Sub(lastOutput) > threshold
}
