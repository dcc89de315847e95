package heartbeat

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Iron-Ham/foreman/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStore_WriteReadRemove(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/state/heartbeats")
	last := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, store.Write(Record{TaskID: "fm-1", PID: 4242, LastOutputAt: last}))

	rec, err := store.Read("fm-1")
	require.NoError(t, err)
	assert.Equal(t, 4242, rec.PID)
	assert.True(t, rec.LastOutputAt.Equal(last))

	require.NoError(t, store.Remove("fm-1"))
	require.NoError(t, store.Remove("fm-1"), "second remove is a no-op")

	_, err = store.Read("fm-1")
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.Is(err, errors.ErrHeartbeatNotFound))
}

func TestStore_WriteRequiresTaskID(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/hb")
	err := store.Write(Record{PID: 1})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestStore_Freshest(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/hb")
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	assert.True(t, store.Freshest("missing", older).Equal(older))

	require.NoError(t, store.Write(Record{TaskID: "fm-1", LastOutputAt: newer}))
	assert.True(t, store.Freshest("fm-1", older).Equal(newer), "heartbeat newer than snapshot wins")

	require.NoError(t, store.Write(Record{TaskID: "fm-2", LastOutputAt: older}))
	assert.True(t, store.Freshest("fm-2", newer).Equal(newer), "snapshot newer than heartbeat wins")
}

func TestIsStale(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		lastOutput time.Time
		want       bool
	}{
		{name: "zero time", lastOutput: time.Time{}, want: true},
		{name: "recent", lastOutput: now.Add(-time.Minute), want: false},
		{name: "exactly at threshold", lastOutput: now.Add(-10 * time.Minute), want: false},
		{name: "past threshold", lastOutput: now.Add(-11 * time.Minute), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsStale(tt.lastOutput, 10*time.Minute, now))
		})
	}
}

func TestWriter_WritesPeriodically(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/hb")
	var calls atomic.Int32
	stamp := time.Now()

	w := StartWriter(store, "fm-1", 99, 10*time.Millisecond, func() time.Time {
		calls.Add(1)
		return stamp
	}, nil)

	rec, err := store.Read("fm-1")
	require.NoError(t, err, "first heartbeat is written synchronously")
	assert.Equal(t, 99, rec.PID)

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	w.Stop()
	w.Stop()

	_, err = store.Read("fm-1")
	assert.NoError(t, err, "stop leaves the heartbeat in place")
}

func TestWriter_ReportsErrors(t *testing.T) {
	store := NewStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/hb")
	var failures atomic.Int32

	w := StartWriter(store, "fm-1", 1, time.Hour, time.Now, func(error) { failures.Add(1) })
	w.Stop()

	assert.Equal(t, int32(1), failures.Load())
}
