package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/foreman/internal/errors"
)

func withProcessAlive(t *testing.T, fn func(int) bool) {
	t.Helper()
	orig := processAlive
	processAlive = fn
	t.Cleanup(func() { processAlive = orig })
}

func TestAcquireLock_ExclusiveWhileOwnerAlive(t *testing.T) {
	withProcessAlive(t, func(int) bool { return true })
	fs := afero.NewMemMapFs()

	lock, err := AcquireLock(fs, "/state/p", "p", nil)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lock.PID)

	_, err = AcquireLock(fs, "/state/p", "p", nil)
	assert.True(t, errors.Is(err, ErrProjectLocked))

	existing, locked := IsLocked(fs, "/state/p")
	assert.True(t, locked)
	assert.Equal(t, "p", existing.ProjectID)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	_, locked = IsLocked(fs, "/state/p")
	assert.False(t, locked)
}

func TestAcquireLock_ReplacesStaleLock(t *testing.T) {
	withProcessAlive(t, func(int) bool { return false })
	fs := afero.NewMemMapFs()
	stale := `{"project_id":"p","pid":999999,"hostname":"old"}`
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/state/p", LockFileName), []byte(stale), 0o644))

	lock, err := AcquireLock(fs, "/state/p", "p", nil)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lock.PID)
}

func TestRelease_LeavesForeignLock(t *testing.T) {
	withProcessAlive(t, func(int) bool { return false })
	fs := afero.NewMemMapFs()

	lock, err := AcquireLock(fs, "/state/p", "p", nil)
	require.NoError(t, err)

	other := `{"project_id":"p","pid":1,"hostname":"elsewhere"}`
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/state/p", LockFileName), []byte(other), 0o644))

	require.NoError(t, lock.Release())
	exists, err := afero.Exists(fs, filepath.Join("/state/p", LockFileName))
	require.NoError(t, err)
	assert.True(t, exists)
}
