package engine

import (
	"context"
	"testing"
	"time"

	"github.com/eleven-am/conduit/internal/adapters/semaphore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLanes_AcquireQueuesAndWakes(t *testing.T) {
	lanes := NewLanes(nil, createTestLogger())
	woken := make(chan struct{}, 1)

	assert.True(t, lanes.Acquire("deploy", "run-1", "deploy", false, nil, nil))
	assert.True(t, lanes.Acquire("deploy", "run-1", "deploy", false, nil, nil), "holder re-acquires")
	assert.False(t, lanes.Acquire("deploy", "run-2", "deploy", false, nil, func() { woken <- struct{}{} }))

	lanes.Release("deploy", "run-2", "deploy")
	runID, _, held := lanes.Holder("deploy")
	require.True(t, held, "release by a non-holder is ignored")
	assert.Equal(t, "run-1", runID)

	lanes.Release("deploy", "run-1", "deploy")
	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}

	assert.True(t, lanes.Acquire("deploy", "run-2", "deploy", false, nil, nil))
}

func TestLanes_CancelInProgressEvictsBeforeHandingOver(t *testing.T) {
	lanes := NewLanes(nil, createTestLogger())
	evicted := make(chan struct{}, 4)
	woken := make(chan struct{}, 4)

	require.True(t, lanes.Acquire("deploy", "run-1", "deploy", true, func() { evicted <- struct{}{} }, nil))
	assert.False(t, lanes.Acquire("deploy", "run-2", "deploy", true, nil, func() { woken <- struct{}{} }))

	select {
	case <-evicted:
	case <-time.After(time.Second):
		t.Fatal("holder was not evicted")
	}

	runID, _, held := lanes.Holder("deploy")
	require.True(t, held)
	assert.Equal(t, "run-1", runID, "the evicted node keeps the group until it releases")

	assert.False(t, lanes.Acquire("deploy", "run-2", "deploy", true, nil, func() { woken <- struct{}{} }))
	select {
	case <-evicted:
		t.Fatal("holder evicted twice")
	case <-time.After(50 * time.Millisecond):
	}

	lanes.Release("deploy", "run-1", "deploy")
	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}

	require.True(t, lanes.Acquire("deploy", "run-2", "deploy", true, nil, nil))
	runID, nodeID, held := lanes.Holder("deploy")
	require.True(t, held)
	assert.Equal(t, "run-2", runID)
	assert.Equal(t, "deploy", nodeID)
}

func TestLanes_ForgetDropsWaiters(t *testing.T) {
	lanes := NewLanes(nil, createTestLogger())
	woken := make(chan string, 2)

	require.True(t, lanes.Acquire("g", "run-1", "a", false, nil, nil))
	require.False(t, lanes.Acquire("g", "run-2", "a", false, nil, func() { woken <- "run-2" }))
	require.False(t, lanes.Acquire("g", "run-3", "a", false, nil, func() { woken <- "run-3" }))

	lanes.Forget("run-2")
	lanes.Release("g", "run-1", "a")

	select {
	case who := <-woken:
		assert.Equal(t, "run-3", who)
	case <-time.After(time.Second):
		t.Fatal("remaining waiter was not woken")
	}
	assert.Empty(t, woken)
}

func TestLanes_PersistsOwnership(t *testing.T) {
	ctx := context.Background()
	sem := semaphore.NewAdapter(newTestStorage(t), createTestLogger())
	lanes := NewLanes(sem, createTestLogger())

	require.True(t, lanes.Acquire("deploy", "run-1", "deploy", false, nil, nil))
	holder, err := sem.Holder(ctx, "deploy")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "run-1", holder.RunID)

	require.False(t, lanes.Acquire("deploy", "run-2", "deploy", true, nil, nil))
	lanes.Release("deploy", "run-1", "deploy")
	require.True(t, lanes.Acquire("deploy", "run-2", "deploy", true, nil, nil))
	holder, err = sem.Holder(ctx, "deploy")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "run-2", holder.RunID)

	restarted := NewLanes(sem, createTestLogger())
	require.NoError(t, restarted.Reset(ctx))
	entities, err := sem.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entities)

	restarted.Reclaim("deploy", "run-2", "deploy", nil)
	holder, err = sem.Holder(ctx, "deploy")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "run-2", holder.RunID)

	restarted.Release("deploy", "run-2", "deploy")
	holder, err = sem.Holder(ctx, "deploy")
	require.NoError(t, err)
	assert.Nil(t, holder)
}
