// Package session archives one immutable record per task attempt: the diff,
// agent output, test results, and outcome. Records are append-only and are
// never rewritten once stored.
package session

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the outcome of an attempt.
type Status string

// Record statuses
const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRejected Status = "rejected"
	StatusCrashed  Status = "crashed"
)

// TestResults summarizes a scoped test run.
type TestResults struct {
	Passed   int    `json:"passed"`
	Failed   int    `json:"failed"`
	Skipped  bool   `json:"skipped,omitempty"`
	ExitCode int    `json:"exit_code"`
	Command  string `json:"command,omitempty"`
	Output   string `json:"output,omitempty"`
}

// Review is the reviewer's verdict on an attempt.
type Review struct {
	Approved bool     `json:"approved"`
	Summary  string   `json:"summary,omitempty"`
	Issues   []string `json:"issues,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

// Record is one archived attempt.
type Record struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	TaskID      string       `json:"task_id"`
	Attempt     int          `json:"attempt"`
	Branch      string       `json:"branch,omitempty"`
	Status      Status       `json:"status"`
	FailureType string       `json:"failure_type,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Summary     string       `json:"summary,omitempty"`
	Logs        string       `json:"logs,omitempty"`
	Diff        string       `json:"diff,omitempty"`
	TestResults *TestResults `json:"test_results,omitempty"`
	Review      *Review      `json:"review,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     time.Time    `json:"ended_at"`
}

// IDs are ULIDs, so lexical order is creation order.
var (
	idMu      sync.Mutex
	idEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new, monotonically increasing record ID.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}
