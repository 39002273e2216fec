package events

import (
	"context"
	"testing"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedManager(t *testing.T) *Manager {
	m := NewManager(nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestEventManager_BasicLifecycle(t *testing.T) {
	m := NewManager(nil)

	_, _, err := m.SubscribeToChannel("")
	assert.ErrorIs(t, err, domain.ErrNotStarted)

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), domain.ErrAlreadyStarted)

	ch, _, err := m.SubscribeToChannel("")
	require.NoError(t, err)

	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), domain.ErrNotStarted)

	_, open := <-ch
	assert.False(t, open, "stop closes subscriber channels")
}

func TestEventManager_ChannelFiltersByRun(t *testing.T) {
	m := startedManager(t)

	runCh, unsubscribe, err := m.SubscribeToChannel("run-1")
	require.NoError(t, err)
	defer unsubscribe()

	allCh, unsubscribeAll, err := m.SubscribeToChannel("")
	require.NoError(t, err)
	defer unsubscribeAll()

	require.NoError(t, m.PublishNodeStarted(&domain.NodeStartedEvent{RunID: "run-2", NodeID: "a"}))
	require.NoError(t, m.PublishNodeCompleted(&domain.NodeCompletedEvent{RunID: "run-1", NodeID: "b", Status: domain.NodeStatusSuccess}))

	select {
	case event := <-runCh:
		assert.Equal(t, domain.EventNodeCompleted, event.Type)
		assert.Equal(t, "b", event.NodeID)
		data, ok := event.Data.(*domain.NodeCompletedEvent)
		require.True(t, ok)
		assert.Equal(t, domain.NodeStatusSuccess, data.Status)
	case <-time.After(time.Second):
		t.Fatal("expected event for run-1")
	}

	assert.Equal(t, "run-2", (<-allCh).RunID)
	assert.Equal(t, "run-1", (<-allCh).RunID)
	assert.Empty(t, runCh)
}

func TestEventManager_UnsubscribeIsIdempotent(t *testing.T) {
	m := startedManager(t)

	ch, unsubscribe, err := m.SubscribeToChannel("run-1")
	require.NoError(t, err)

	unsubscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)
	assert.NoError(t, m.PublishRunStarted(&domain.RunStartedEvent{RunID: "run-1"}))
}

func TestEventManager_TypedHandlers(t *testing.T) {
	m := startedManager(t)

	completed := make(chan *domain.RunCompletedEvent, 1)
	require.NoError(t, m.OnRunCompleted(func(e *domain.RunCompletedEvent) { completed <- e }))
	require.NoError(t, m.OnRunCompleted(func(*domain.RunCompletedEvent) { panic("handler bug") }))

	require.NoError(t, m.PublishRunCompleted(&domain.RunCompletedEvent{RunID: "run-1", Status: domain.RunStatusFailure}))

	select {
	case e := <-completed:
		assert.Equal(t, domain.RunStatusFailure, e.Status)
	case <-time.After(time.Second):
		t.Fatal("handler was not called")
	}
}

func TestEventManager_SlowSubscriberDropsEvents(t *testing.T) {
	m := startedManager(t)

	ch, unsubscribe, err := m.SubscribeToChannel("")
	require.NoError(t, err)
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, m.Broadcast(domain.Event{Type: domain.EventNodeStarted, RunID: "r"}))
	}
	assert.Len(t, ch, subscriberBuffer)
}
