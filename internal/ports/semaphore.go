package ports

import (
	"context"

	"github.com/eleven-am/conduit/internal/domain"
)

// SemaphorePort persists concurrency group ownership.
type SemaphorePort interface {
	Acquire(ctx context.Context, group, runID, nodeID string) error
	Release(ctx context.Context, group, runID, nodeID string) error
	Holder(ctx context.Context, group string) (*domain.SemaphoreEntity, error)
	List(ctx context.Context) ([]domain.SemaphoreEntity, error)
}
