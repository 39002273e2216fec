package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/adapters/engine"
	"github.com/eleven-am/conduit/internal/adapters/events"
	"github.com/eleven-am/conduit/internal/adapters/graph"
	"github.com/eleven-am/conduit/internal/adapters/matrix"
	"github.com/eleven-am/conduit/internal/adapters/observability"
	"github.com/eleven-am/conduit/internal/adapters/semaphore"
	"github.com/eleven-am/conduit/internal/adapters/storage"
	"github.com/eleven-am/conduit/internal/adapters/store"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

type SubmitOptions struct {
	ID      string
	Trigger map[string]any
	Inputs  map[string]any
	Env     map[string]string
}

// Manager owns the storage, the shared concurrency lanes and the registry of
// live runs of one process.
type Manager struct {
	storage      *storage.AppStorage
	state        *engine.StateManager
	outputs      *store.Outputs
	artifacts    *store.Artifacts
	eventManager *events.Manager
	engine       *engine.Engine

	config *domain.Config
	logger *slog.Logger

	mu      sync.Mutex
	runs    map[string]*engine.Scheduler
	wg      sync.WaitGroup
	started bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New opens storage and wires every collaborator. env may be nil.
func New(config *domain.Config, backend ports.ExecutionBackend, env ports.EnvProvider) (*Manager, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	logger := config.Logger.With("component", "conduit")

	appStorage, err := storage.Open(config.DataDir, config.InMemory, config.Logger)
	if err != nil {
		return nil, err
	}

	m, err := newManager(config, appStorage, backend, env, logger)
	if err != nil {
		_ = appStorage.Close()
		return nil, err
	}
	return m, nil
}

func newManager(config *domain.Config, appStorage *storage.AppStorage, backend ports.ExecutionBackend, env ports.EnvProvider, logger *slog.Logger) (*Manager, error) {
	state := engine.NewStateManager(appStorage, config.Logger)
	outputs := store.NewOutputs(appStorage, config.Store.MaxOutputSize, config.Logger)
	artifacts := store.NewArtifacts(appStorage, config.Store, config.Logger)
	eventManager := events.NewManager(config.Logger)
	lanes := engine.NewLanes(semaphore.NewAdapter(appStorage, config.Logger), config.Logger)
	expander := matrix.NewExpander(config.Matrix.MaxCombinations, config.Logger)

	engineAdapter, err := engine.NewEngine(config.Engine, engine.Dependencies{
		Backend:   backend,
		Env:       env,
		Outputs:   outputs,
		Artifacts: artifacts,
		State:     state,
		Lanes:     lanes,
		Events:    eventManager,
		Expander:  expander,
		Builder:   graph.NewBuilder(expander, config.Logger),
	}, config.Logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		storage:      appStorage,
		state:        state,
		outputs:      outputs,
		artifacts:    artifacts,
		eventManager: eventManager,
		engine:       engineAdapter,
		config:       config,
		logger:       logger,
		runs:         make(map[string]*engine.Scheduler),
	}, nil
}

// Start resumes every run a previous process left unfinished and starts
// retention pruning.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return domain.ErrAlreadyStarted
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	if err := m.eventManager.Start(m.ctx); err != nil {
		return fmt.Errorf("failed to start event manager: %w", err)
	}

	if err := m.engine.Lanes().Reset(m.ctx); err != nil {
		return fmt.Errorf("failed to reset concurrency groups: %w", err)
	}

	active, err := m.state.ListActive(m.ctx)
	if err != nil {
		return fmt.Errorf("failed to list active runs: %w", err)
	}
	for _, run := range active {
		scheduler, err := m.engine.Resume(run)
		if err != nil {
			m.abandon(run, err)
			continue
		}
		m.launch(scheduler)
	}

	if m.config.Store.PruneInterval > 0 {
		m.wg.Add(1)
		go m.pruneLoop(m.config.Store.PruneInterval)
	}

	if m.config.Observability.Enabled {
		server := observability.NewServer(m.config.Observability, m, m.config.Logger)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := server.Start(m.ctx); err != nil {
				m.logger.Error("observability server stopped", "error", err)
			}
		}()
	}

	m.started = true
	m.logger.Info("manager started", "resumed_runs", len(m.runs))
	return nil
}

// Stop detaches live runs, leaving them resumable, and closes storage.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return domain.ErrNotStarted
	}
	m.started = false
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timeout := m.config.Engine.StopTimeout
	if timeout <= 0 {
		timeout = domain.DefaultEngineConfig().StopTimeout
	}
	select {
	case <-done:
	case <-time.After(timeout):
		m.logger.Warn("runs did not detach before stop timeout", "timeout", timeout)
	}

	if err := m.eventManager.Stop(); err != nil {
		m.logger.Warn("failed to stop event manager", "error", err)
	}
	if err := m.storage.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}

	m.logger.Info("manager stopped")
	return nil
}

// Submit builds and starts a run. A structurally invalid workflow is recorded
// as a failed run and returned together with the error.
func (m *Manager) Submit(ctx context.Context, def domain.WorkflowDefinition, opts SubmitOptions) (*domain.WorkflowRun, error) {
	if !m.isStarted() {
		return nil, domain.ErrNotStarted
	}

	if opts.ID != "" {
		if _, err := m.state.LoadRun(ctx, opts.ID); err == nil {
			return nil, fmt.Errorf("run %s: %w", opts.ID, domain.ErrConflict)
		} else if !domain.IsNotFound(err) {
			return nil, err
		}
	}

	run, g, err := m.engine.NewRun(def, engine.RunOptions{
		ID:      opts.ID,
		Trigger: opts.Trigger,
		Inputs:  opts.Inputs,
		Env:     opts.Env,
	})
	if err != nil {
		if saveErr := m.state.SaveRun(ctx, run); saveErr != nil {
			m.logger.Error("failed to record rejected run", "run_id", run.ID, "error", saveErr)
		}
		return run, err
	}

	if err := m.state.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}

	scheduler := m.engine.Schedule(run, g)
	m.mu.Lock()
	m.launch(scheduler)
	m.mu.Unlock()

	m.logger.Info("run submitted",
		"run_id", run.ID,
		"workflow", def.Name,
		"nodes", len(run.Nodes))
	return scheduler.Snapshot(), nil
}

// Wait blocks until the run is terminal or ctx is done.
func (m *Manager) Wait(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	if scheduler, ok := m.live(runID); ok {
		select {
		case <-scheduler.Done():
			return scheduler.Snapshot(), nil
		case <-ctx.Done():
			return scheduler.Snapshot(), ctx.Err()
		}
	}
	return m.state.LoadRun(ctx, runID)
}

// Cancel cancels a live run. Cancelling a finished run is a no-op.
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	if scheduler, ok := m.live(runID); ok {
		scheduler.Cancel()
		m.logger.Info("run cancellation requested", "run_id", runID)
		return nil
	}

	run, err := m.state.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	return fmt.Errorf("run %s is not live in this process: %w", runID, domain.ErrConflict)
}

func (m *Manager) Run(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	if scheduler, ok := m.live(runID); ok {
		return scheduler.Snapshot(), nil
	}
	return m.state.LoadRun(ctx, runID)
}

func (m *Manager) Node(ctx context.Context, runID, nodeID string) (*domain.JobNode, error) {
	run, err := m.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	node, ok := run.Nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s of run %s: %w", nodeID, runID, domain.ErrNotFound)
	}
	return node, nil
}

// ListRuns returns every known run, newest first. Live runs report their
// in-memory state.
func (m *Manager) ListRuns(ctx context.Context) ([]*domain.WorkflowRun, error) {
	runs, err := m.state.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	for i, run := range runs {
		if scheduler, ok := m.live(run.ID); ok {
			runs[i] = scheduler.Snapshot()
		}
	}
	return runs, nil
}

// Purge deletes a finished run with its outputs and artifacts.
func (m *Manager) Purge(ctx context.Context, runID string) error {
	if _, ok := m.live(runID); ok {
		return fmt.Errorf("run %s is still running: %w", runID, domain.ErrConflict)
	}
	if _, err := m.state.LoadRun(ctx, runID); err != nil {
		return err
	}
	if err := m.artifacts.PurgeRun(ctx, runID); err != nil {
		return err
	}
	if err := m.state.DeleteRun(ctx, runID); err != nil {
		return err
	}
	m.logger.Info("run purged", "run_id", runID)
	return nil
}

func (m *Manager) Artifacts() ports.ArtifactStore {
	return m.artifacts
}

func (m *Manager) Outputs() ports.OutputStore {
	return m.outputs
}

func (m *Manager) Events() ports.EventManager {
	return m.eventManager
}

func (m *Manager) Metrics() domain.ExecutionMetrics {
	return m.engine.Metrics()
}

// Health reports whether storage is usable and the backend breaker is not open.
func (m *Manager) Health(ctx context.Context) ports.HealthStatus {
	status := ports.HealthStatus{Healthy: true, Details: map[string]string{}}

	if !m.isStarted() {
		status.Healthy = false
		status.Error = domain.ErrNotStarted.Error()
	}

	if _, _, _, err := m.storage.Get(domain.RunPrefix); err != nil {
		status.Healthy = false
		status.Error = err.Error()
		status.Details["storage"] = "unavailable"
	} else {
		status.Details["storage"] = "ok"
	}

	if breaker, ok := m.engine.BackendHealth(); ok {
		status.Details["backend"] = breaker.State.String()
		if breaker.State == ports.StateOpen && status.Healthy {
			status.Healthy = false
			status.Error = domain.ErrBackendDown.Error()
		}
	}

	m.mu.Lock()
	status.Details["live_runs"] = fmt.Sprint(len(m.runs))
	m.mu.Unlock()

	if err := ctx.Err(); err != nil && status.Healthy {
		status.Healthy = false
		status.Error = err.Error()
	}
	return status
}

// BackendHealth reports the execution backend breaker, if one is configured.
func (m *Manager) BackendHealth() (ports.CircuitBreakerMetrics, bool) {
	return m.engine.BackendHealth()
}

func (m *Manager) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *Manager) live(runID string) (*engine.Scheduler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scheduler, ok := m.runs[runID]
	return scheduler, ok
}

// launch must be called with m.mu held.
func (m *Manager) launch(scheduler *engine.Scheduler) {
	runID := scheduler.RunID()
	m.runs[runID] = scheduler
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		run, err := scheduler.Run(m.ctx)

		m.mu.Lock()
		delete(m.runs, runID)
		m.mu.Unlock()

		switch {
		case err != nil:
			m.logger.Debug("run detached", "run_id", runID, "error", err)
		case run != nil:
			m.logger.Debug("run finished", "run_id", runID, "status", run.Status)
		}
	}()
}

// abandon fails a persisted run whose graph can no longer be rebuilt.
func (m *Manager) abandon(run *domain.WorkflowRun, cause error) {
	now := time.Now()
	run.Status = domain.RunStatusFailure
	run.Error = cause.Error()
	run.CompletedAt = &now

	m.logger.Error("failed to resume run", "run_id", run.ID, "error", cause)
	if err := m.state.SaveRun(m.ctx, run); err != nil {
		m.logger.Error("failed to record abandoned run", "run_id", run.ID, "error", err)
	}
}

func (m *Manager) pruneLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.artifacts.PruneExpired(m.ctx); err != nil && m.ctx.Err() == nil {
				m.logger.Warn("artifact pruning failed", "error", err)
			}
		}
	}
}
