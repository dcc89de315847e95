package cmd

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/foreman/internal/backlog"
	"github.com/Iron-Ham/foreman/internal/testutil"
)

func TestCleanupCommand(t *testing.T) {
	state := setupConfig(t)
	repo := testutil.SetupTestRepo(t)
	viper.Set("projects", []map[string]any{{"id": "web", "repo": repo}})

	for _, title := range []string{"Done already", "Still open"} {
		_, err := executeCommand(rootCmd, "task", "add", title)
		require.NoError(t, err)
	}
	store, err := backlog.OpenSQLite(filepath.Join(state, "backlog.db"))
	require.NoError(t, err)
	require.NoError(t, store.Project("web", "").Close(context.Background(), "web-1", "merged"))
	require.NoError(t, store.Close())

	for _, id := range []string{"web-1", "web-2", "ghost"} {
		testutil.RunGit(t, repo, "branch", "foreman/"+id)
	}

	out, err := executeCommand(rootCmd, "cleanup", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "web-1 (closed): branch foreman/web-1")
	assert.Contains(t, out, "ghost (not in backlog)")
	assert.NotContains(t, out, "web-2")
	assert.Contains(t, out, "Dry run")
	assert.True(t, testutil.BranchExists(t, repo, "foreman/web-1"))

	cleanupDryRun = false
	rootCmd.SetIn(strings.NewReader("n\n"))
	t.Cleanup(func() { rootCmd.SetIn(nil) })
	out, err = executeCommand(rootCmd, "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled")
	assert.True(t, testutil.BranchExists(t, repo, "foreman/web-1"))

	out, err = executeCommand(rootCmd, "cleanup", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed resources of 2 task(s)")
	assert.False(t, testutil.BranchExists(t, repo, "foreman/web-1"))
	assert.False(t, testutil.BranchExists(t, repo, "foreman/ghost"))
	assert.True(t, testutil.BranchExists(t, repo, "foreman/web-2"), "open task keeps its preserved work")

	out, err = executeCommand(rootCmd, "cleanup", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to clean up")
}
