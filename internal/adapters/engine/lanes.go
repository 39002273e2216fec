package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/ports"
)

const laneStoreTimeout = 5 * time.Second

type laneHolder struct {
	runID    string
	nodeID   string
	evict    func()
	evicting bool
}

// Lanes are the process-wide concurrency groups shared by every run of an
// engine. At most one node holds a group. Ownership is mirrored into the
// semaphore store so held groups survive in storage across restarts.
type Lanes struct {
	semaphore ports.SemaphorePort
	logger    *slog.Logger

	mu      sync.Mutex
	holders map[string]*laneHolder
	waiters map[string]map[string]func()
}

func NewLanes(semaphore ports.SemaphorePort, logger *slog.Logger) *Lanes {
	if logger == nil {
		logger = slog.Default()
	}

	return &Lanes{
		semaphore: semaphore,
		logger:    logger.With("component", "lanes"),
		holders:   make(map[string]*laneHolder),
		waiters:   make(map[string]map[string]func()),
	}
}

// Acquire tries to take group for a node. When the group is busy, wake is
// registered and called once the group is released. With cancelInProgress
// the holder is also evicted, so the group frees up as soon as the holder's
// node is terminal.
func (l *Lanes) Acquire(group, runID, nodeID string, cancelInProgress bool, evict, wake func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.holders[group]
	if current == nil || (current.runID == runID && current.nodeID == nodeID) {
		l.holders[group] = &laneHolder{runID: runID, nodeID: nodeID, evict: evict}
		if current == nil {
			l.persistAcquire(group, runID, nodeID)
		}
		return true
	}

	if l.waiters[group] == nil {
		l.waiters[group] = make(map[string]func())
	}
	l.waiters[group][runID+"/"+nodeID] = wake

	if !cancelInProgress || current.evicting {
		return false
	}

	l.logger.Info("evicting concurrency group holder",
		"group", group,
		"evicted_run", current.runID,
		"evicted_node", current.nodeID,
		"run_id", runID,
		"node_id", nodeID)

	current.evicting = true
	if current.evict != nil {
		go current.evict()
	}
	return false
}

// Reclaim restores ownership for a node resumed after a restart.
func (l *Lanes) Reclaim(group, runID, nodeID string, evict func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current := l.holders[group]; current != nil && (current.runID != runID || current.nodeID != nodeID) {
		l.logger.Warn("reclaimed group already held",
			"group", group,
			"holder_run", current.runID,
			"holder_node", current.nodeID,
			"run_id", runID,
			"node_id", nodeID)
		return
	}
	l.holders[group] = &laneHolder{runID: runID, nodeID: nodeID, evict: evict}
	l.persistAcquire(group, runID, nodeID)
}

// Release frees group if the node still holds it and wakes every waiter.
func (l *Lanes) Release(group, runID, nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.holders[group]
	if current == nil || current.runID != runID || current.nodeID != nodeID {
		return
	}

	delete(l.holders, group)
	l.persistRelease(group, runID, nodeID)

	for _, wake := range l.waiters[group] {
		if wake != nil {
			go wake()
		}
	}
	delete(l.waiters, group)
}

// Forget drops the waiters registered by a run.
func (l *Lanes) Forget(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := runID + "/"
	for group, waiters := range l.waiters {
		for key := range waiters {
			if strings.HasPrefix(key, prefix) {
				delete(waiters, key)
			}
		}
		if len(waiters) == 0 {
			delete(l.waiters, group)
		}
	}
}

// Holder reports the node currently holding group.
func (l *Lanes) Holder(group string) (runID, nodeID string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.holders[group]
	if current == nil {
		return "", "", false
	}
	return current.runID, current.nodeID, true
}

// Reset clears persisted ownership left by a previous process. Resumed
// nodes take their groups back through Reclaim.
func (l *Lanes) Reset(ctx context.Context) error {
	if l.semaphore == nil {
		return nil
	}

	entities, err := l.semaphore.List(ctx)
	if err != nil {
		return err
	}
	for _, entity := range entities {
		if err := l.semaphore.Release(ctx, entity.Group, entity.RunID, entity.NodeID); err != nil {
			l.logger.Warn("failed to clear stale concurrency group",
				"group", entity.Group,
				"error", err)
		}
	}
	return nil
}

func (l *Lanes) persistAcquire(group, runID, nodeID string) {
	if l.semaphore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), laneStoreTimeout)
	defer cancel()
	if err := l.semaphore.Acquire(ctx, group, runID, nodeID); err != nil {
		l.logger.Warn("failed to persist concurrency group",
			"group", group,
			"run_id", runID,
			"node_id", nodeID,
			"error", err)
	}
}

func (l *Lanes) persistRelease(group, runID, nodeID string) {
	if l.semaphore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), laneStoreTimeout)
	defer cancel()
	if err := l.semaphore.Release(ctx, group, runID, nodeID); err != nil {
		l.logger.Warn("failed to release persisted concurrency group",
			"group", group,
			"run_id", runID,
			"node_id", nodeID,
			"error", err)
	}
}
