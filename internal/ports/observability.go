package ports

import (
	"context"

	"github.com/eleven-am/conduit/internal/domain"
)

type HealthStatus struct {
	Healthy bool              `json:"healthy"`
	Error   string            `json:"error,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Observable is what the observability server reads from a manager.
type Observable interface {
	Health(ctx context.Context) HealthStatus
	Metrics() domain.ExecutionMetrics
	BackendHealth() (CircuitBreakerMetrics, bool)
	ListRuns(ctx context.Context) ([]*domain.WorkflowRun, error)
	Run(ctx context.Context, runID string) (*domain.WorkflowRun, error)
}
