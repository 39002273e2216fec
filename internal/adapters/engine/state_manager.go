package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	json "github.com/goccy/go-json"
)

// StateManager persists run records under run:<id>. Every save bumps the
// record version.
type StateManager struct {
	storage ports.StoragePort
	logger  *slog.Logger
}

func NewStateManager(storage ports.StoragePort, logger *slog.Logger) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &StateManager{
		storage: storage,
		logger:  logger.With("component", "state_manager"),
	}
}

func (sm *StateManager) SaveRun(ctx context.Context, run *domain.WorkflowRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("%s: marshal run %s: %w", stateManagerComponent, run.ID, err)
	}

	key := domain.RunKey(run.ID)
	err = sm.storage.RunInTransaction(func(tx ports.Transaction) error {
		_, version, _, err := tx.Get(key)
		if err != nil {
			return err
		}
		return tx.Put(key, data, version+1)
	})
	if err != nil {
		sm.logger.Error("failed to save run",
			"run_id", run.ID,
			"status", run.Status,
			"error", err)
		return fmt.Errorf("%s: save run %s: %w", stateManagerComponent, run.ID, err)
	}
	return nil
}

func (sm *StateManager) LoadRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, _, exists, err := sm.storage.Get(domain.RunKey(runID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewKeyNotFoundError(domain.RunKey(runID))
	}

	var run domain.WorkflowRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, &domain.StorageError{Type: domain.ErrCorrupted, Key: domain.RunKey(runID), Message: err.Error()}
	}
	if run.Nodes == nil {
		run.Nodes = make(map[string]*domain.JobNode)
	}
	return &run, nil
}

// ListRuns returns every persisted run, newest first.
func (sm *StateManager) ListRuns(ctx context.Context) ([]*domain.WorkflowRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keys, err := sm.storage.ListKeys(domain.RunPrefix)
	if err != nil {
		return nil, err
	}

	runs := make([]*domain.WorkflowRun, 0)
	for _, key := range keys {
		if !domain.IsRunRecordKey(key) {
			continue
		}
		run, err := sm.LoadRun(ctx, strings.TrimPrefix(key, domain.RunPrefix))
		if err != nil {
			if domain.IsNotFound(err) {
				continue
			}
			sm.logger.Warn("skipping unreadable run record", "key", key, "error", err)
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// ListActive returns runs that have not reached a terminal status.
func (sm *StateManager) ListActive(ctx context.Context) ([]*domain.WorkflowRun, error) {
	runs, err := sm.ListRuns(ctx)
	if err != nil {
		return nil, err
	}

	active := runs[:0]
	for _, run := range runs {
		if !run.Status.IsTerminal() {
			active = append(active, run)
		}
	}
	return active, nil
}

// DeleteRun removes the run record and every key scoped to the run.
func (sm *StateManager) DeleteRun(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := sm.storage.DeleteByPrefix(domain.RunScopePrefix(runID)); err != nil {
		return err
	}
	return sm.storage.Delete(domain.RunKey(runID))
}
