package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/eleven-am/conduit/internal/adapters/expression"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// nodeSink routes backend callbacks for one node into the run loop.
type nodeSink struct {
	scheduler *Scheduler
	nodeID    string
}

func (k *nodeSink) OnComplete(completion ports.Completion) {
	k.scheduler.post(completionMsg{nodeID: k.nodeID, completion: completion})
}

func (k *nodeSink) OnTimeout(ports.Handle) {
	k.scheduler.post(timeoutMsg{nodeID: k.nodeID})
}

// dispatchReady launches ready nodes in topological order while the run and
// matrix limits allow. Nodes left over stay ready.
func (s *Scheduler) dispatchReady() {
	if s.run.Cancelled {
		return
	}

	running := s.countRunning("")
	limit := s.engine.config.MaxConcurrentJobs

	for _, id := range s.graph.TopologicalOrder() {
		n, ok := s.graph.Node(id)
		if !ok || n.Status != domain.NodeStatusReady {
			continue
		}
		if limit > 0 && running >= limit {
			return
		}

		spec, _ := s.graph.Job(n.JobName)
		if spec.Matrix != nil && spec.Matrix.MaxParallel > 0 && s.countRunning(spec.Name) >= spec.Matrix.MaxParallel {
			continue
		}

		if n.ConcurrencyGroup != "" && !s.acquireLane(n, spec) {
			continue
		}

		if s.launch(n, spec) {
			running++
		}
	}
}

func (s *Scheduler) countRunning(job string) int {
	count := 0
	for _, n := range s.run.Nodes {
		if n.Status == domain.NodeStatusRunning && (job == "" || n.JobName == job) {
			count++
		}
	}
	return count
}

func (s *Scheduler) acquireLane(n *domain.JobNode, spec *domain.JobSpec) bool {
	nodeID := n.ID
	evict := func() { s.post(evictMsg{nodeID: nodeID}) }
	wake := func() { s.post(laneReleasedMsg{}) }

	acquired := s.engine.lanes.Acquire(n.ConcurrencyGroup, s.run.ID, nodeID, spec.Concurrency.CancelInProgress, evict, wake)
	if !acquired {
		s.logger.Debug("node queued on concurrency group",
			"node_id", nodeID,
			"group", n.ConcurrencyGroup)
	}
	return acquired
}

func (s *Scheduler) launch(n *domain.JobNode, spec *domain.JobSpec) bool {
	needs := s.needsTable(spec)
	ctx := s.exprContext(n, spec, needs)

	env, err := s.resolveEnv(spec, ctx)
	if err != nil {
		s.finishNode(n, domain.NodeStatusFailure, err)
		return false
	}

	if !s.transition(n, domain.NodeStatusRunning) {
		return false
	}
	now := time.Now()
	n.StartedAt = &now

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.engine.config.DefaultJobTimeout
	}

	exec := &execution{env: env, timeout: timeout}
	s.executions[n.ID] = exec
	s.armTimer(n.ID, exec, timeout)

	s.engine.metrics.NodeDispatched()
	s.publishNodeStarted(n)
	s.logger.Info("node dispatched",
		"node_id", n.ID,
		"job", n.JobName,
		"timeout", timeout)

	req := s.request(n, spec, env, timeout, needs)
	go s.dispatch(*spec, req)
	return true
}

func (s *Scheduler) armTimer(nodeID string, exec *execution, after time.Duration) {
	if after <= 0 {
		return
	}
	exec.timer = time.AfterFunc(after, func() {
		s.post(timeoutMsg{nodeID: nodeID})
	})
}

func (s *Scheduler) request(n *domain.JobNode, spec *domain.JobSpec, env map[string]string, timeout time.Duration, needs domain.NeedsTable) ports.DispatchRequest {
	req := ports.DispatchRequest{
		RunID:   s.run.ID,
		NodeID:  n.ID,
		JobName: spec.Name,
		Matrix:  n.Matrix,
		Env:     env,
		Timeout: timeout,
		Needs:   needs,
		Outputs: s.engine.outputs.Writer(s.run.ID, n.ID),
	}
	if s.engine.artifacts != nil {
		req.Artifacts = s.engine.artifacts.Uploader(s.run.ID, n.ID)
	}
	return req
}

// dispatch runs off the loop: it waits for the rate limiter, resolves
// provider env and hands the node to the backend.
func (s *Scheduler) dispatch(spec domain.JobSpec, req ports.DispatchRequest) {
	ctx := s.ctx

	if err := s.engine.limiter.Wait(ctx, req.RunID); err != nil {
		s.post(dispatchedMsg{nodeID: req.NodeID, err: fmt.Errorf("dispatch rate limit: %w", err)})
		return
	}

	if s.engine.env != nil {
		extra, err := s.engine.resolveEnv(ctx, req, spec)
		if err != nil {
			s.post(dispatchedMsg{nodeID: req.NodeID, err: fmt.Errorf("resolve env: %w", err)})
			return
		}
		merged, err := domain.MergeEnv(req.Env, extra)
		if err != nil {
			s.post(dispatchedMsg{nodeID: req.NodeID, err: err})
			return
		}
		req.Env = merged
	}

	sink := &nodeSink{scheduler: s, nodeID: req.NodeID}
	handle, err := s.engine.dispatch(ctx, req, sink)
	if !s.post(dispatchedMsg{nodeID: req.NodeID, handle: handle, err: err}) && err == nil {
		s.engine.cancelHandle(req.RunID, req.NodeID, handle)
	}
}

func (s *Scheduler) onDispatched(m dispatchedMsg) {
	n, ok := s.graph.Node(m.nodeID)
	if !ok {
		return
	}

	if m.err != nil {
		if n.Status == domain.NodeStatusRunning {
			s.finishNode(n, domain.NodeStatusFailure, m.err)
		}
		return
	}

	n.Handle = string(m.handle)
	s.dirty = true

	exec := s.executions[n.ID]
	if n.Status != domain.NodeStatusRunning || exec == nil {
		s.logger.Debug("cancelling handle of finished node", "node_id", n.ID, "status", n.Status)
		s.engine.cancelHandle(s.run.ID, n.ID, m.handle)
		return
	}
	exec.handle = m.handle
}

func (s *Scheduler) onCompletion(m completionMsg) {
	n, ok := s.graph.Node(m.nodeID)
	if !ok || n.Status != domain.NodeStatusRunning {
		s.logger.Debug("ignoring completion for inactive node", "node_id", m.nodeID)
		return
	}
	spec, _ := s.graph.Job(n.JobName)

	status := m.completion.Status
	cause := m.completion.Err
	switch status {
	case domain.NodeStatusSuccess, domain.NodeStatusFailure, domain.NodeStatusCancelled:
	default:
		if cause == nil {
			cause = fmt.Errorf("backend reported status %q", status)
		}
		status = domain.NodeStatusFailure
	}
	if cause != nil {
		status = domain.NodeStatusFailure
	}

	if err := s.recordOutputs(n, spec, m.completion); err != nil && status == domain.NodeStatusSuccess {
		status = domain.NodeStatusFailure
		cause = err
	}

	s.finishNode(n, status, cause)
}

// recordOutputs evaluates the job's declared outputs against the step
// results and writes them through the output store.
func (s *Scheduler) recordOutputs(n *domain.JobNode, spec *domain.JobSpec, completion ports.Completion) error {
	if len(spec.Outputs) == 0 {
		return nil
	}

	ctx := s.exprContext(n, spec, s.needsTable(spec)).With("steps", stepsValue(completion.Steps))
	if exec := s.executions[n.ID]; exec != nil {
		ctx = ctx.With("env", exec.env)
	}

	names := make([]string, 0, len(spec.Outputs))
	for name := range spec.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value, err := expression.Interpolate(spec.Outputs[name], ctx)
		if err != nil {
			return fmt.Errorf("output %s: %w", name, err)
		}
		if err := s.engine.outputs.PutOutput(s.run.ID, n.ID, name, value); err != nil {
			return fmt.Errorf("output %s: %w", name, err)
		}
	}
	return nil
}

func (s *Scheduler) onTimeout(nodeID string) {
	n, ok := s.graph.Node(nodeID)
	if !ok || n.Status != domain.NodeStatusRunning {
		return
	}

	cause := &domain.TimeoutError{NodeID: nodeID}
	if exec := s.executions[nodeID]; exec != nil {
		cause.Timeout = exec.timeout
		s.engine.cancelHandle(s.run.ID, nodeID, exec.handle)
	}
	s.engine.metrics.NodeTimedOut()
	s.finishNode(n, domain.NodeStatusFailure, cause)
}

func (s *Scheduler) onEvict(nodeID string) {
	n, ok := s.graph.Node(nodeID)
	if !ok || n.Status != domain.NodeStatusRunning {
		return
	}

	s.engine.metrics.NodeEvicted()
	s.stopNode(n, fmt.Errorf("%w %s", domain.ErrEvicted, n.ConcurrencyGroup))
}

func stepsValue(steps map[string]ports.StepResult) map[string]any {
	out := make(map[string]any, len(steps))
	for id, step := range steps {
		outputs := make(map[string]any, len(step.Outputs))
		for k, v := range step.Outputs {
			outputs[k] = v
		}
		out[id] = map[string]any{
			"outcome":    string(step.Outcome),
			"conclusion": string(step.Conclusion),
			"outputs":    outputs,
		}
	}
	return out
}
