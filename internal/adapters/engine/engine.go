package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/conduit/internal/adapters/circuit_breaker"
	"github.com/eleven-am/conduit/internal/adapters/graph"
	"github.com/eleven-am/conduit/internal/adapters/matrix"
	"github.com/eleven-am/conduit/internal/adapters/rate_limiter"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/google/uuid"
)

// Dependencies are the collaborators shared by every run of an engine.
// Backend, State and Outputs are required.
type Dependencies struct {
	Backend   ports.ExecutionBackend
	Env       ports.EnvProvider
	Outputs   ports.OutputStore
	Artifacts ports.ArtifactStore
	State     *StateManager
	Lanes     *Lanes
	Limiter   ports.RateLimiter
	Breaker   ports.CircuitBreaker
	Events    ports.EventManager
	Expander  *matrix.Expander
	Builder   *graph.Builder
	Metrics   *domain.ExecutionMetrics
}

type Engine struct {
	config    domain.EngineConfig
	backend   ports.ExecutionBackend
	env       ports.EnvProvider
	outputs   ports.OutputStore
	artifacts ports.ArtifactStore
	state     *StateManager
	lanes     *Lanes
	limiter   ports.RateLimiter
	breaker   ports.CircuitBreaker
	events    ports.EventManager
	expander  *matrix.Expander
	builder   *graph.Builder
	metrics   *domain.ExecutionMetrics
	logger    *slog.Logger
}

type RunOptions struct {
	ID      string
	Trigger map[string]any
	Inputs  map[string]any
	Env     map[string]string
}

func NewEngine(config domain.EngineConfig, deps Dependencies, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case deps.Backend == nil:
		return nil, domain.NewConfigError("backend", domain.ErrInvalidConfig)
	case deps.State == nil:
		return nil, domain.NewConfigError("state", domain.ErrInvalidConfig)
	case deps.Outputs == nil:
		return nil, domain.NewConfigError("outputs", domain.ErrInvalidConfig)
	}

	defaults := domain.DefaultEngineConfig()
	if config.InboxSize <= 0 {
		config.InboxSize = defaults.InboxSize
	}
	if config.DefaultJobTimeout < 0 {
		config.DefaultJobTimeout = 0
	}

	if deps.Limiter == nil {
		deps.Limiter = rate_limiter.NewRateLimiter("dispatch", ports.RateLimiterConfig{
			RequestsPerSecond: config.DispatchRate,
			BurstSize:         config.DispatchBurst,
			WaitTimeout:       time.Hour,
		}, logger)
	}
	if deps.Breaker == nil && config.Breaker.FailureThreshold > 0 {
		deps.Breaker = circuit_breaker.NewCircuitBreaker("dispatch", config.Breaker, func(name string, from, to ports.CircuitBreakerState) {
			logger.Warn("execution backend breaker changed state",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		}, logger)
	}
	if deps.Lanes == nil {
		deps.Lanes = NewLanes(nil, logger)
	}
	if deps.Expander == nil {
		deps.Expander = matrix.NewExpander(0, logger)
	}
	if deps.Builder == nil {
		deps.Builder = graph.NewBuilder(deps.Expander, logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = domain.NewExecutionMetrics()
	}

	return &Engine{
		config:    config,
		backend:   deps.Backend,
		env:       deps.Env,
		outputs:   deps.Outputs,
		artifacts: deps.Artifacts,
		state:     deps.State,
		lanes:     deps.Lanes,
		limiter:   deps.Limiter,
		breaker:   deps.Breaker,
		events:    deps.Events,
		expander:  deps.Expander,
		builder:   deps.Builder,
		metrics:   deps.Metrics,
		logger:    logger.With("component", engineComponent),
	}, nil
}

// NewRun builds the node graph of def. A structural error is returned
// together with the failed run so callers can record it.
func (e *Engine) NewRun(def domain.WorkflowDefinition, opts RunOptions) (*domain.WorkflowRun, *graph.Graph, error) {
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	run := &domain.WorkflowRun{
		ID:        id,
		Workflow:  copyDefinition(def),
		Trigger:   opts.Trigger,
		Inputs:    opts.Inputs,
		Env:       opts.Env,
		Nodes:     make(map[string]*domain.JobNode),
		Status:    domain.RunStatusPending,
		CreatedAt: time.Now(),
	}

	g, err := e.builder.Build(&run.Workflow)
	if err != nil {
		now := time.Now()
		run.Status = domain.RunStatusFailure
		run.Error = err.Error()
		run.CompletedAt = &now
		e.logger.Warn("workflow rejected",
			"run_id", run.ID,
			"workflow", def.Name,
			"error", err)
		return run, nil, err
	}

	run.Nodes = g.Nodes()
	run.Order = g.TopologicalOrder()
	return run, g, nil
}

// Schedule returns the loop that drives a freshly built run.
func (e *Engine) Schedule(run *domain.WorkflowRun, g *graph.Graph) *Scheduler {
	return newScheduler(e, run, g, false)
}

// Resume rebuilds the graph of a persisted run and returns its loop.
func (e *Engine) Resume(run *domain.WorkflowRun) (*Scheduler, error) {
	g, err := e.builder.Rebuild(&run.Workflow, run.Nodes, run.Order)
	if err != nil {
		return nil, fmt.Errorf("rebuild run %s: %w", run.ID, err)
	}
	run.Nodes = g.Nodes()
	return newScheduler(e, run, g, true), nil
}

func (e *Engine) Metrics() domain.ExecutionMetrics {
	return e.metrics.Snapshot()
}

// BackendHealth reports the dispatch breaker. ok is false when no breaker is configured.
func (e *Engine) BackendHealth() (metrics ports.CircuitBreakerMetrics, ok bool) {
	if e.breaker == nil {
		return ports.CircuitBreakerMetrics{}, false
	}
	return e.breaker.Metrics(), true
}

func (e *Engine) Lanes() *Lanes {
	return e.lanes
}

func copyDefinition(def domain.WorkflowDefinition) domain.WorkflowDefinition {
	out := def
	out.Jobs = make([]domain.JobSpec, len(def.Jobs))
	for i, job := range def.Jobs {
		job.Needs = append([]string(nil), job.Needs...)
		out.Jobs[i] = job
	}
	return out
}
