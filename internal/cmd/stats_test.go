package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/foreman/internal/backlog"
	"github.com/Iron-Ham/foreman/internal/session"
)

func TestStatsCommand(t *testing.T) {
	state := setupConfig(t)
	for _, title := range []string{"First", "Second"} {
		_, err := executeCommand(rootCmd, "task", "add", title)
		require.NoError(t, err)
	}
	store, err := backlog.OpenSQLite(filepath.Join(state, "backlog.db"))
	require.NoError(t, err)
	require.NoError(t, store.Project("web", "").Close(context.Background(), "web-1", "merged"))
	require.NoError(t, store.Close())

	archive := session.NewFileArchive(afero.NewOsFs(), filepath.Join(state, "projects", "web", "sessions"))
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, r := range []session.Record{
		{TaskID: "web-1", Attempt: 1, Status: session.StatusFailed, FailureType: "test_failure"},
		{TaskID: "web-1", Attempt: 2, Status: session.StatusSuccess},
		{TaskID: "web-2", Attempt: 1, Status: session.StatusCrashed, FailureType: "agent_crash"},
	} {
		r.ProjectID = "web"
		r.StartedAt = start.Add(time.Duration(i) * time.Hour)
		r.EndedAt = r.StartedAt.Add(10 * time.Minute)
		require.NoError(t, archive.Append(context.Background(), &r))
	}

	out, err := executeCommand(rootCmd, "stats", "--json")
	require.NoError(t, err)
	var stats []projectStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Len(t, stats, 1)

	ps := stats[0]
	assert.Equal(t, "web", ps.ProjectID)
	assert.Equal(t, 1, ps.Tasks[backlog.StatusClosed])
	assert.Equal(t, 1, ps.Tasks[backlog.StatusOpen])
	assert.Equal(t, 3, ps.Attempts)
	assert.Equal(t, 1, ps.Outcomes[session.StatusSuccess])
	assert.Equal(t, map[string]int{"test_failure": 1, "agent_crash": 1}, ps.Failures)
	assert.InDelta(t, 2.0, ps.ClosedWith, 0.001)
	assert.Equal(t, 30*time.Minute, ps.AgentTime)
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, projectStats{
		ProjectID:  "web",
		Tasks:      map[backlog.Status]int{backlog.StatusOpen: 2},
		Attempts:   4,
		Outcomes:   map[session.Status]int{session.StatusFailed: 3, session.StatusSuccess: 1},
		Failures:   map[string]int{"test_failure": 1, "coding_failure": 2},
		ClosedWith: 4,
		AgentTime:  90 * time.Second,
	})
	out := buf.String()
	assert.Contains(t, out, "WEB")
	assert.Contains(t, out, "2 open")
	assert.Contains(t, out, "Attempts:  4 (1 success, 3 failed)")
	assert.Regexp(t, `(?s)coding_failure\s+2.*test_failure\s+1`, out)
	assert.Contains(t, out, "Per close: 4.0 attempts")
	assert.Contains(t, out, "Agent time: 1m30s")
}
