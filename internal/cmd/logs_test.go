package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `{"time":"2026-01-02T10:00:00Z","level":"INFO","msg":"task claimed","project":"web","task_id":"web-1","phase":"selecting"}
{"time":"2026-01-02T10:00:05Z","level":"DEBUG","msg":"agent output","project":"web","task_id":"web-1","bytes":120}
{"time":"2026-01-02T10:01:00Z","level":"WARN","msg":"push failed","project":"web","task_id":"web-1","error":"rejected"}
not json at all
{"time":"2026-01-02T10:02:00Z","level":"INFO","msg":"task claimed","project":"api","task_id":"api-3"}
`

func writeSampleLog(t *testing.T, state string) {
	t.Helper()
	dir := filepath.Join(state, "logs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foreman.log"), []byte(sampleLog), 0o644))
}

func TestLogsCommand(t *testing.T) {
	t.Run("no log yet", func(t *testing.T) {
		setupConfig(t)
		out, err := executeCommand(rootCmd, "logs")
		require.NoError(t, err)
		assert.Contains(t, out, "No log yet")
	})

	t.Run("all entries", func(t *testing.T) {
		writeSampleLog(t, setupConfig(t))
		out, err := executeCommand(rootCmd, "logs", "-n", "0")
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 5)
		assert.Contains(t, lines[0], "task claimed project=web task_id=web-1 phase=selecting")
		assert.Contains(t, lines[1], "bytes=120")
		assert.Equal(t, "not json at all", lines[3])
		assert.NotContains(t, out, "\033[", "no colors when not a terminal")
	})

	t.Run("task filter", func(t *testing.T) {
		writeSampleLog(t, setupConfig(t))
		out, err := executeCommand(rootCmd, "logs", "--task", "api-3")
		require.NoError(t, err)
		assert.Contains(t, out, "task_id=api-3")
		assert.NotContains(t, out, "web-1")
	})

	t.Run("level and tail", func(t *testing.T) {
		writeSampleLog(t, setupConfig(t))
		out, err := executeCommand(rootCmd, "logs", "--level", "warn", "-p", "web")
		require.NoError(t, err)
		assert.Contains(t, out, "push failed")
		assert.NotContains(t, out, "task claimed")

		out, err = executeCommand(rootCmd, "logs", "-n", "1", "--project", "web")
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(strings.TrimSpace(out), "\n")+1)
		assert.Contains(t, out, "push failed")
	})

	t.Run("invalid grep", func(t *testing.T) {
		writeSampleLog(t, setupConfig(t))
		_, err := executeCommand(rootCmd, "logs", "--grep", "(")
		require.Error(t, err)
	})
}

func TestLogFilterMatch(t *testing.T) {
	ts := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	entry := &logEntry{Time: ts, Level: "INFO", Msg: "merged", Project: "web", TaskID: "web-1", Extra: map[string]any{"pushed": true}}

	tests := []struct {
		name   string
		filter logFilter
		want   bool
	}{
		{"zero filter", logFilter{minLevel: -1}, true},
		{"below level", logFilter{minLevel: levelRank("WARN")}, false},
		{"at level", logFilter{minLevel: levelRank("INFO")}, true},
		{"too old", logFilter{minLevel: -1, since: ts.Add(time.Minute)}, false},
		{"other project", logFilter{minLevel: -1, project: "api"}, false},
		{"other task", logFilter{minLevel: -1, task: "web-2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.match(entry))
		})
	}
}
