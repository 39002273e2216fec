package semaphore

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	json "github.com/goccy/go-json"
)

// Adapter persists concurrency group ownership so a restarted engine can
// see which node held each group.
type Adapter struct {
	storage ports.StoragePort
	logger  *slog.Logger
}

func NewAdapter(storage ports.StoragePort, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{
		storage: storage,
		logger:  logger.With("component", "semaphore"),
	}
}

// Acquire takes the group for a node. Re-acquiring by the current holder is a no-op.
func (sm *Adapter) Acquire(ctx context.Context, group, runID, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := domain.SemaphoreKey(group)
	sm.logger.Debug("attempting to acquire semaphore", "group", group, "run_id", runID, "node_id", nodeID)

	err := sm.storage.RunInTransaction(func(tx ports.Transaction) error {
		existing, err := readEntity(tx, key)
		if err != nil {
			return domain.NewSemaphoreError(group, "unmarshal", err)
		}
		if existing != nil && existing.IsActive() {
			if existing.HeldBy(runID, nodeID) {
				return nil
			}
			sm.logger.Info("semaphore acquisition failed - already owned",
				"group", group,
				"owner_run", existing.RunID,
				"owner_node", existing.NodeID,
				"requester", nodeID)
			return domain.NewSemaphoreError(group, "acquire", domain.ErrConflict)
		}

		data, err := json.Marshal(domain.SemaphoreEntity{
			Group:      group,
			RunID:      runID,
			NodeID:     nodeID,
			AcquiredAt: time.Now(),
			Status:     domain.SemaphoreStatusAcquired,
		})
		if err != nil {
			return domain.NewSemaphoreError(group, "marshal", err)
		}
		return tx.Put(key, data, 1)
	})
	if err != nil {
		return err
	}

	sm.logger.Debug("semaphore acquired", "group", group, "run_id", runID, "node_id", nodeID)
	return nil
}

func (sm *Adapter) Release(ctx context.Context, group, runID, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := domain.SemaphoreKey(group)

	err := sm.storage.RunInTransaction(func(tx ports.Transaction) error {
		existing, err := readEntity(tx, key)
		if err != nil {
			return domain.NewSemaphoreError(group, "unmarshal", err)
		}
		if existing == nil {
			return domain.NewSemaphoreError(group, "release", domain.ErrNotFound)
		}
		if !existing.HeldBy(runID, nodeID) {
			sm.logger.Info("semaphore release failed - wrong owner",
				"group", group,
				"owner_node", existing.NodeID,
				"requester", nodeID)
			return domain.NewSemaphoreError(group, "release", domain.ErrConflict)
		}
		return tx.Delete(key)
	})
	if err != nil {
		return err
	}

	sm.logger.Debug("semaphore released", "group", group, "run_id", runID, "node_id", nodeID)
	return nil
}

// Holder returns the current owner of a group, or nil when it is free.
func (sm *Adapter) Holder(ctx context.Context, group string) (*domain.SemaphoreEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, _, exists, err := sm.storage.Get(domain.SemaphoreKey(group))
	if err != nil || !exists {
		return nil, err
	}

	var entity domain.SemaphoreEntity
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, domain.NewSemaphoreError(group, "unmarshal", err)
	}
	if !entity.IsActive() {
		return nil, nil
	}
	return &entity, nil
}

func (sm *Adapter) List(ctx context.Context) ([]domain.SemaphoreEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := sm.storage.ListByPrefix(domain.SemaphorePrefix)
	if err != nil {
		return nil, err
	}

	entities := make([]domain.SemaphoreEntity, 0, len(items))
	for _, item := range items {
		var entity domain.SemaphoreEntity
		if err := json.Unmarshal(item.Value, &entity); err != nil {
			sm.logger.Warn("skipping corrupt semaphore record", "key", item.Key, "error", err)
			continue
		}
		if entity.IsActive() {
			entities = append(entities, entity)
		}
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Group < entities[j].Group })
	return entities, nil
}

func readEntity(tx ports.Transaction, key string) (*domain.SemaphoreEntity, error) {
	data, _, exists, err := tx.Get(key)
	if err != nil || !exists {
		return nil, err
	}
	var entity domain.SemaphoreEntity
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}
