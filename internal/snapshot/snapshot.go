// Package snapshot persists the in-flight state of a project's scheduler.
//
// The snapshot is written atomically after every phase transition and is the
// only input to crash recovery: a snapshot without a task means the project
// was idle.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/util"
)

// FileName is the snapshot file inside a project's state directory.
const FileName = "snapshot.json"

// Phase is a scheduler state machine position.
type Phase string

// Phases
const (
	PhaseIdle      Phase = "idle"
	PhaseSelecting Phase = "selecting"
	PhaseCoding    Phase = "coding"
	PhaseTesting   Phase = "testing"
	PhaseReview    Phase = "review"
	PhaseMerging   Phase = "merging"
	PhaseRetrying  Phase = "retrying"
	PhaseBlocked   Phase = "blocked"
)

// Agent roles recorded in the snapshot.
const (
	RoleCoder    = "coder"
	RoleReviewer = "reviewer"
	RoleMerger   = "merger"
)

// Snapshot is the serializable projection of a scheduler's state.
type Snapshot struct {
	ProjectID    string `json:"project_id"`
	TaskID       string `json:"task_id,omitempty"`
	Phase        Phase  `json:"phase"`
	Branch       string `json:"branch,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`
	PID          int    `json:"pid,omitempty"`
	Role         string `json:"role,omitempty"`
	Attempt      int    `json:"attempt"`
	InfraRetries int    `json:"infra_retries"`

	// FailureCounted is set while retrying after a failure that was added
	// to the task's cumulative attempts.
	FailureCounted bool `json:"failure_counted,omitempty"`

	Done       int `json:"done"`
	Failed     int `json:"failed"`
	QueueDepth int `json:"queue_depth"`

	KilledDueToTimeout bool      `json:"killed_due_to_timeout,omitempty"`
	LastOutputAt       time.Time `json:"last_output_at"`
	StartedAt          time.Time `json:"started_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Active reports whether the snapshot records a task in flight.
func (s *Snapshot) Active() bool {
	return s != nil && s.TaskID != ""
}

// Store reads and writes one project's snapshot file.
type Store struct {
	fs   afero.Fs
	path string
}

// NewStore creates a Store for the snapshot in dir.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, path: filepath.Join(dir, FileName)}
}

// Path returns the snapshot file location.
func (s *Store) Path() string { return s.path }

// Save atomically replaces the snapshot, stamping UpdatedAt.
func (s *Store) Save(snap *Snapshot) error {
	snap.UpdatedAt = time.Now()
	if err := util.WriteJSONAtomic(s.fs, s.path, snap); err != nil {
		return errors.NewTaskError("failed to persist snapshot", err).
			WithProject(snap.ProjectID).
			WithTaskID(snap.TaskID).
			WithPhase(string(snap.Phase))
	}
	return nil
}

// Load reads the snapshot. A missing file returns ErrSnapshotNotFound; an
// unparseable one returns ErrSnapshotCorrupted.
func (s *Store) Load() (*Snapshot, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("snapshot", s.path).WithCause(errors.ErrSnapshotNotFound)
		}
		return nil, errors.Wrapf(err, "failed to read snapshot %s", s.path)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(errors.Join(errors.ErrSnapshotCorrupted, err), "failed to parse snapshot %s", s.path)
	}
	return &snap, nil
}

// Clear removes the snapshot. A missing file is not an error.
func (s *Store) Clear() error {
	if err := s.fs.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to clear snapshot %s", s.path)
	}
	return nil
}
