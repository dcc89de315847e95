package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/foreman/internal/backlog"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/snapshot"
)

func projectHarness(t *testing.T, id string) *harness {
	return newHarness(t, func(o *Options, _ *harness) { o.ProjectID = id })
}

func TestRegistry_AddRejectsDuplicates(t *testing.T) {
	r := NewRegistry(nil)
	h := projectHarness(t, "web")

	require.NoError(t, r.Add(h.s))
	err := r.Add(h.s)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	got, ok := r.Get("web")
	assert.True(t, ok)
	assert.Same(t, h.s, got)
}

func TestRegistry_UnknownProject(t *testing.T) {
	r := NewRegistry(nil)

	err := r.EnsureRunning(context.Background(), "nope")
	assert.True(t, errors.IsNotFound(err))

	started, err := r.Nudge("nope", ReasonManual)
	assert.False(t, started)
	assert.True(t, errors.IsNotFound(err))
}

func TestRegistry_StatusOrderedByProject(t *testing.T) {
	r := NewRegistry(nil)
	for _, id := range []string{"web", "api", "docs"} {
		require.NoError(t, r.Add(projectHarness(t, id).s))
	}

	var ids []string
	for _, st := range r.Status() {
		ids = append(ids, st.ProjectID)
		assert.False(t, st.Running)
	}
	assert.Equal(t, []string{"api", "docs", "web"}, ids)
}

func TestRegistry_RecoverAll(t *testing.T) {
	r := NewRegistry(nil)
	idle := projectHarness(t, "idle")
	crashed := projectHarness(t, "crashed")
	inFlight(t, crashed, snapshot.PhaseCoding, 9999, time.Now())
	require.NoError(t, r.Add(idle.s))
	require.NoError(t, r.Add(crashed.s))

	actions, err := r.RecoverAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]RecoveryAction{
		"idle":    RecoveryIdle,
		"crashed": RecoveryCrash,
	}, actions)
	assert.Equal(t, backlog.StatusOpen, crashed.backlog.task("t1").Status)
}

func TestRegistry_RunsProjectsIndependently(t *testing.T) {
	r := NewRegistry(nil)
	web := projectHarness(t, "web")
	api := projectHarness(t, "api")
	web.backlog.add(backlog.Task{ID: "w1"})
	api.backlog.add(backlog.Task{ID: "a1"})
	require.NoError(t, r.Add(web.s))
	require.NoError(t, r.Add(api.s))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.EnsureAllRunning(ctx)

	require.Eventually(t, func() bool {
		return web.s.Status().Done == 1 && api.s.Status().Done == 1
	}, 5*time.Second, 5*time.Millisecond)

	api.backlog.add(backlog.Task{ID: "a2"})
	require.Eventually(t, func() bool {
		r.NudgeAll(ReasonBacklog)
		return api.s.Status().Done == 2
	}, 5*time.Second, 5*time.Millisecond)

	r.Shutdown()
	for _, st := range r.Status() {
		assert.False(t, st.Running)
	}
	assert.Equal(t, backlog.StatusClosed, web.backlog.task("w1").Status)
}
