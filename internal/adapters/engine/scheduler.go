package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/eleven-am/conduit/internal/adapters/graph"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

const persistTimeout = 10 * time.Second

type message interface{}

type dispatchedMsg struct {
	nodeID string
	handle ports.Handle
	err    error
}

type completionMsg struct {
	nodeID     string
	completion ports.Completion
}

type timeoutMsg struct {
	nodeID string
}

type evictMsg struct {
	nodeID string
}

type reattachedMsg struct {
	nodeID string
	err    error
}

type laneReleasedMsg struct{}

type cancelMsg struct{}

type execution struct {
	handle  ports.Handle
	env     map[string]string
	timeout time.Duration
	timer   *time.Timer
}

// Scheduler drives one run. All run and node state is owned by the loop
// goroutine; everything else talks to it through the inbox.
type Scheduler struct {
	engine *Engine
	run    *domain.WorkflowRun
	graph  *graph.Graph
	logger *slog.Logger

	ctx        context.Context
	inbox      chan message
	done       chan struct{}
	started    atomic.Bool
	snapshot   atomic.Pointer[domain.WorkflowRun]
	executions map[string]*execution
	resumed    bool
	progress   bool
	dirty      bool
}

func newScheduler(e *Engine, run *domain.WorkflowRun, g *graph.Graph, resumed bool) *Scheduler {
	s := &Scheduler{
		engine:     e,
		run:        run,
		graph:      g,
		logger:     e.logger.With("component", schedulerComponent, "run_id", run.ID),
		ctx:        context.Background(),
		inbox:      make(chan message, e.config.InboxSize),
		done:       make(chan struct{}),
		executions: make(map[string]*execution),
		resumed:    resumed,
	}
	s.snapshot.Store(run.Clone())
	return s
}

func (s *Scheduler) RunID() string {
	return s.run.ID
}

// Run drives the run until every node is terminal. Cancelling ctx detaches
// the loop and leaves the persisted run resumable; use Cancel to cancel the run.
func (s *Scheduler) Run(ctx context.Context) (*domain.WorkflowRun, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, domain.ErrAlreadyStarted
	}
	defer close(s.done)
	defer s.engine.lanes.Forget(s.run.ID)

	s.ctx = ctx
	s.begin()

	for !s.complete() {
		select {
		case <-ctx.Done():
			s.detach()
			return s.Snapshot(), ctx.Err()
		case msg := <-s.inbox:
			s.handle(msg)
			s.step()
		}
	}

	s.finish()
	return s.Snapshot(), nil
}

// Cancel asks the loop to cancel the run. It is a no-op once the loop is gone.
func (s *Scheduler) Cancel() {
	s.post(cancelMsg{})
}

func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns a copy of the run as of the last loop iteration.
func (s *Scheduler) Snapshot() *domain.WorkflowRun {
	return s.snapshot.Load().Clone()
}

func (s *Scheduler) post(msg message) bool {
	select {
	case s.inbox <- msg:
		return true
	case <-s.done:
		return false
	}
}

func (s *Scheduler) begin() {
	if s.run.Status == domain.RunStatusPending {
		now := time.Now()
		s.run.Status = domain.RunStatusRunning
		s.run.StartedAt = &now
		s.engine.metrics.RunStarted()
		s.publishRunStarted()
		s.logger.Info("run started",
			"workflow", s.run.Workflow.Name,
			"nodes", len(s.run.Nodes))
	} else {
		s.logger.Info("run resumed",
			"workflow", s.run.Workflow.Name,
			"status", s.run.Status)
	}
	s.dirty = true

	if s.resumed {
		s.resumeExecutions()
	}
	s.step()
}

func (s *Scheduler) complete() bool {
	for _, n := range s.run.Nodes {
		if !n.IsTerminal() {
			return false
		}
	}
	return true
}

// step promotes and dispatches until nothing changes, then persists.
func (s *Scheduler) step() {
	for {
		s.progress = false
		s.promote()
		s.dispatchReady()
		if !s.progress {
			break
		}
	}
	s.persist()
}

func (s *Scheduler) handle(msg message) {
	switch m := msg.(type) {
	case dispatchedMsg:
		s.onDispatched(m)
	case completionMsg:
		s.onCompletion(m)
	case timeoutMsg:
		s.onTimeout(m.nodeID)
	case evictMsg:
		s.onEvict(m.nodeID)
	case reattachedMsg:
		s.onReattached(m)
	case laneReleasedMsg:
	case cancelMsg:
		s.cancelRun()
	default:
		s.logger.Warn("unknown scheduler message", "type", fmt.Sprintf("%T", msg))
	}
}

func (s *Scheduler) transition(n *domain.JobNode, to domain.NodeStatus) bool {
	if !domain.CanTransition(n.Status, to) {
		s.logger.Error("rejected node transition",
			"node_id", n.ID,
			"from", n.Status,
			"to", to)
		return false
	}
	n.Status = to
	s.progress = true
	s.dirty = true
	return true
}

// finishNode moves n to a terminal status, seals its outputs and frees its
// lane. Terminal nodes are left untouched.
func (s *Scheduler) finishNode(n *domain.JobNode, status domain.NodeStatus, cause error) {
	if n.IsTerminal() {
		return
	}
	previous := n.Status
	if !s.transition(n, status) {
		return
	}

	now := time.Now()
	n.CompletedAt = &now
	if cause != nil {
		n.Error = cause.Error()
		n.ErrorKind = domain.ErrorKind(cause)
	}

	if exec := s.executions[n.ID]; exec != nil {
		if exec.timer != nil {
			exec.timer.Stop()
		}
		delete(s.executions, n.ID)
	}
	if n.ConcurrencyGroup != "" {
		s.engine.lanes.Release(n.ConcurrencyGroup, s.run.ID, n.ID)
	}

	if err := s.engine.outputs.Seal(s.run.ID, n.ID, status); err != nil {
		s.logger.Error("failed to seal node outputs", "node_id", n.ID, "error", err)
	}
	if status == domain.NodeStatusSuccess {
		outputs, err := s.engine.outputs.GetOutputs(s.run.ID, n.ID)
		if err != nil {
			s.logger.Error("failed to read sealed outputs", "node_id", n.ID, "error", err)
		} else if len(outputs) > 0 {
			n.Outputs = outputs
		}
	}

	var duration time.Duration
	if previous == domain.NodeStatusRunning && n.StartedAt != nil {
		duration = now.Sub(*n.StartedAt)
	}
	s.engine.metrics.NodeFinished(status, duration)
	s.publishNodeCompleted(n, duration)

	attrs := []any{"node_id", n.ID, "job", n.JobName, "status", status}
	if duration > 0 {
		attrs = append(attrs, "duration", duration)
	}
	if cause != nil {
		attrs = append(attrs, errorLogAttrs(cause)...)
	}
	if status == domain.NodeStatusFailure {
		s.logger.Warn("node finished", attrs...)
	} else {
		s.logger.Info("node finished", attrs...)
	}

	if status == domain.NodeStatusFailure {
		s.failFast(n)
	}
}

// failFast cancels the siblings of a failed matrix variant.
func (s *Scheduler) failFast(failed *domain.JobNode) {
	spec, ok := s.graph.Job(failed.JobName)
	if !ok || spec.ContinueOnError || spec.Matrix == nil || !spec.Matrix.FailsFast() {
		return
	}

	for _, id := range s.graph.NodesOf(failed.JobName) {
		n, ok := s.graph.Node(id)
		if !ok || id == failed.ID || n.IsTerminal() {
			continue
		}
		s.logger.Info("cancelling matrix sibling", "node_id", id, "failed_node", failed.ID)
		s.stopNode(n, nil)
	}
}

// stopNode cancels n whatever its non-terminal status, issuing a backend
// cancel for a running node.
func (s *Scheduler) stopNode(n *domain.JobNode, cause error) {
	if n.Status == domain.NodeStatusRunning {
		if exec := s.executions[n.ID]; exec != nil {
			s.engine.cancelHandle(s.run.ID, n.ID, exec.handle)
		}
	}
	s.finishNode(n, domain.NodeStatusCancelled, cause)
}

func (s *Scheduler) cancelRun() {
	if s.run.Cancelled {
		return
	}
	s.run.Cancelled = true
	s.dirty = true
	s.logger.Info("cancelling run")

	for _, id := range s.graph.TopologicalOrder() {
		if n, ok := s.graph.Node(id); ok && !n.IsTerminal() {
			s.stopNode(n, nil)
		}
	}
}

func (s *Scheduler) finish() {
	status := domain.RunStatusSuccess
	for _, n := range s.run.Nodes {
		if n.Status != domain.NodeStatusFailure {
			continue
		}
		if spec, ok := s.graph.Job(n.JobName); ok && spec.ContinueOnError {
			continue
		}
		status = domain.RunStatusFailure
		break
	}
	if status == domain.RunStatusSuccess && s.run.Cancelled {
		status = domain.RunStatusCancelled
	}

	now := time.Now()
	s.run.Status = status
	s.run.CompletedAt = &now
	s.dirty = true
	s.persist()

	s.engine.metrics.RunFinished(status)
	s.publishRunCompleted()

	var duration time.Duration
	if s.run.StartedAt != nil {
		duration = now.Sub(*s.run.StartedAt)
	}
	s.logger.Info("run finished",
		"workflow", s.run.Workflow.Name,
		"status", status,
		"duration", duration)
}

// detach stops timers and persists the run so another loop can resume it.
func (s *Scheduler) detach() {
	for _, exec := range s.executions {
		if exec.timer != nil {
			exec.timer.Stop()
		}
	}
	s.dirty = true
	s.persist()
	s.logger.Info("run detached", "reason", context.Cause(s.ctx))
}

func (s *Scheduler) persist() {
	if !s.dirty {
		return
	}
	s.dirty = false
	s.snapshot.Store(s.run.Clone())

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.engine.state.SaveRun(ctx, s.run); err != nil {
		s.logger.Error("failed to persist run", "error", err)
	}
}
