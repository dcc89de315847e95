package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
)

// Archive stores session records.
type Archive interface {
	// Append stores rec, assigning an ID and EndedAt when unset.
	Append(ctx context.Context, rec *Record) error
	// List returns a task's records oldest first.
	List(ctx context.Context, taskID string) ([]*Record, error)
}

// FileArchive keeps records as JSON files at <dir>/<task>/<id>.json.
type FileArchive struct {
	fs  afero.Fs
	dir string
}

// NewFileArchive creates a FileArchive rooted at dir.
func NewFileArchive(fs afero.Fs, dir string) *FileArchive {
	return &FileArchive{fs: fs, dir: dir}
}

func prepare(rec *Record) error {
	if rec.TaskID == "" {
		return errors.NewValidationError("session record requires a task id").WithField("TaskID")
	}
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now()
	}
	return nil
}

// Append writes rec. Existing records are never overwritten.
func (a *FileArchive) Append(_ context.Context, rec *Record) error {
	if err := prepare(rec); err != nil {
		return err
	}
	taskDir := filepath.Join(a.dir, rec.TaskID)
	if err := a.fs.MkdirAll(taskDir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	path := filepath.Join(taskDir, rec.ID+".json")
	f, err := a.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", errors.ErrSessionExists, rec.ID)
		}
		return fmt.Errorf("failed to create session record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = a.fs.Remove(path)
		return fmt.Errorf("failed to write session record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync session record: %w", err)
	}
	return f.Close()
}

// List reads every record for taskID. Unreadable files are skipped.
func (a *FileArchive) List(_ context.Context, taskID string) ([]*Record, error) {
	entries, err := afero.ReadDir(a.fs, filepath.Join(a.dir, taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}

	records := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := afero.ReadFile(a.fs, filepath.Join(a.dir, taskID, entry.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}
	sortRecords(records)
	return records, nil
}

func sortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}

// MultiArchive writes to a primary archive and best-effort mirrors.
// Mirror failures are logged, never returned.
type MultiArchive struct {
	primary Archive
	mirrors []Archive
	logger  *logging.Logger
}

// NewMultiArchive wraps primary with mirrors. logger may be nil.
func NewMultiArchive(primary Archive, logger *logging.Logger, mirrors ...Archive) *MultiArchive {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &MultiArchive{primary: primary, mirrors: mirrors, logger: logger}
}

// Append stores rec in the primary, then in each mirror.
func (m *MultiArchive) Append(ctx context.Context, rec *Record) error {
	if err := m.primary.Append(ctx, rec); err != nil {
		return err
	}
	for _, mirror := range m.mirrors {
		if err := mirror.Append(ctx, rec); err != nil {
			m.logger.Warn("session mirror failed",
				"task_id", rec.TaskID,
				"session_id", rec.ID,
				"error", err,
			)
		}
	}
	return nil
}

// List reads from the primary only.
func (m *MultiArchive) List(ctx context.Context, taskID string) ([]*Record, error) {
	return m.primary.List(ctx, taskID)
}
