package semaphore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/conduit/internal/adapters/storage"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestAdapter(t *testing.T) *Adapter {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewAdapter(storage.NewAppStorage(db, createTestLogger()), createTestLogger())
}

func TestAdapter_AcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)

	require.NoError(t, adapter.Acquire(ctx, "deploy-prod", "run-1", "deploy"))
	require.NoError(t, adapter.Acquire(ctx, "deploy-prod", "run-1", "deploy"), "re-acquire by holder")

	holder, err := adapter.Holder(ctx, "deploy-prod")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "run-1", holder.RunID)
	assert.Equal(t, "deploy", holder.NodeID)

	err = adapter.Acquire(ctx, "deploy-prod", "run-2", "deploy")
	assert.ErrorIs(t, err, domain.ErrConflict)

	var semErr *domain.SemaphoreError
	require.True(t, errors.As(err, &semErr))
	assert.Equal(t, "acquire", semErr.Op)

	assert.ErrorIs(t, adapter.Release(ctx, "deploy-prod", "run-2", "deploy"), domain.ErrConflict)
	require.NoError(t, adapter.Release(ctx, "deploy-prod", "run-1", "deploy"))
	assert.ErrorIs(t, adapter.Release(ctx, "deploy-prod", "run-1", "deploy"), domain.ErrNotFound)

	holder, err = adapter.Holder(ctx, "deploy-prod")
	require.NoError(t, err)
	assert.Nil(t, holder)

	require.NoError(t, adapter.Acquire(ctx, "deploy-prod", "run-2", "deploy"))
}

func TestAdapter_List(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)

	require.NoError(t, adapter.Acquire(ctx, "b", "run-1", "x"))
	require.NoError(t, adapter.Acquire(ctx, "a", "run-1", "y"))

	entities, err := adapter.List(ctx)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, "a", entities[0].Group)
	assert.Equal(t, "b", entities[1].Group)
}

func TestAdapter_ConcurrentAcquireHasOneWinner(t *testing.T) {
	ctx := context.Background()
	adapter := newTestAdapter(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if adapter.Acquire(ctx, "group", "run", string(rune('a'+i))) == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestAdapter_CancelledContext(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, adapter.Acquire(ctx, "g", "r", "n"), context.Canceled)
}
