package engine

import (
	"context"
	"testing"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRun(id string, status domain.RunStatus, created time.Time) *domain.WorkflowRun {
	return &domain.WorkflowRun{
		ID:        id,
		Workflow:  workflow(job("build")),
		Status:    status,
		CreatedAt: created,
		Order:     []string{"build"},
		Nodes: map[string]*domain.JobNode{
			"build": {ID: "build", JobName: "build", Status: domain.NodeStatusBlocked},
		},
	}
}

func TestStateManager_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	sm := NewStateManager(st, createTestLogger())

	run := testRun("run-1", domain.RunStatusRunning, time.Now())
	require.NoError(t, sm.SaveRun(ctx, run))

	run.Nodes["build"].Status = domain.NodeStatusSuccess
	run.Nodes["build"].Outputs = map[string]string{"version": "1.0"}
	require.NoError(t, sm.SaveRun(ctx, run))

	loaded, err := sm.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, loaded.Status)
	assert.Equal(t, domain.NodeStatusSuccess, loaded.Nodes["build"].Status)
	assert.Equal(t, "1.0", loaded.Nodes["build"].Outputs["version"])
	assert.Equal(t, "ci", loaded.Workflow.Name)

	_, version, exists, err := st.Get(domain.RunKey("run-1"))
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int64(2), version)
}

func TestStateManager_LoadErrors(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	sm := NewStateManager(st, createTestLogger())

	_, err := sm.LoadRun(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))

	require.NoError(t, st.Put(domain.RunKey("broken"), []byte("{not json"), 1))
	_, err = sm.LoadRun(ctx, "broken")
	var storageErr *domain.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, domain.ErrCorrupted, storageErr.Type)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = sm.LoadRun(cancelled, "missing")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStateManager_ListRuns(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	sm := NewStateManager(st, createTestLogger())

	base := time.Now()
	require.NoError(t, sm.SaveRun(ctx, testRun("old", domain.RunStatusSuccess, base.Add(-time.Hour))))
	require.NoError(t, sm.SaveRun(ctx, testRun("new", domain.RunStatusRunning, base)))
	require.NoError(t, sm.SaveRun(ctx, testRun("mid", domain.RunStatusPending, base.Add(-time.Minute))))
	require.NoError(t, st.Put(domain.OutputKey("new", "build", "version"), []byte("1.0"), 1))
	require.NoError(t, st.Put(domain.RunKey("junk"), []byte("nope"), 1))

	runs, err := sm.ListRuns(ctx)
	require.NoError(t, err)
	ids := make([]string, len(runs))
	for i, run := range runs {
		ids[i] = run.ID
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids)

	active, err := sm.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "new", active[0].ID)
	assert.Equal(t, "mid", active[1].ID)
}

func TestStateManager_DeleteRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStorage(t)
	sm := NewStateManager(st, createTestLogger())

	require.NoError(t, sm.SaveRun(ctx, testRun("run-1", domain.RunStatusSuccess, time.Now())))
	require.NoError(t, sm.SaveRun(ctx, testRun("run-10", domain.RunStatusSuccess, time.Now())))
	require.NoError(t, st.Put(domain.OutputKey("run-1", "build", "version"), []byte("1.0"), 1))
	require.NoError(t, st.Put(domain.OutputKey("run-10", "build", "version"), []byte("2.0"), 1))

	require.NoError(t, sm.DeleteRun(ctx, "run-1"))

	_, err := sm.LoadRun(ctx, "run-1")
	assert.True(t, domain.IsNotFound(err))
	_, _, exists, err := st.Get(domain.OutputKey("run-1", "build", "version"))
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = sm.LoadRun(ctx, "run-10")
	assert.NoError(t, err)
	_, _, exists, err = st.Get(domain.OutputKey("run-10", "build", "version"))
	require.NoError(t, err)
	assert.True(t, exists)
}
