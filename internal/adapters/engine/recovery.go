package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

const cancelTimeout = 30 * time.Second

// guard runs a backend or provider call and turns a panic into a
// WorkflowPanicError.
func (e *Engine) guard(runID, nodeID, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			panicErr := domain.NewPanicError(runID, nodeID, r)
			e.logger.Error("recovered panic",
				"run_id", runID,
				"node_id", nodeID,
				"op", op,
				"panic_value", r,
				"recovered_at", panicErr.RecoveredAt,
				"stack_trace", panicErr.StackTrace)
			err = panicErr
		}
	}()
	return fn()
}

// dispatch hands req to the backend through the breaker when one is
// configured. A handle returned after the breaker gave up is cancelled.
func (e *Engine) dispatch(ctx context.Context, req ports.DispatchRequest, sink ports.CompletionSink) (ports.Handle, error) {
	var (
		mu     sync.Mutex
		handle ports.Handle
		late   bool
	)
	call := func(ctx context.Context) error {
		return e.guard(req.RunID, req.NodeID, "dispatch", func() error {
			h, err := e.backend.Dispatch(ctx, req, sink)
			mu.Lock()
			defer mu.Unlock()
			if late && err == nil {
				e.cancelHandle(req.RunID, req.NodeID, h)
				return nil
			}
			handle = h
			return err
		})
	}

	if e.breaker == nil {
		err := call(ctx)
		return handle, err
	}

	err := e.breaker.Call(ctx, call)
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		if handle != "" {
			e.cancelHandle(req.RunID, req.NodeID, handle)
		}
		late = true
		return "", err
	}
	return handle, nil
}

func (e *Engine) resolveEnv(ctx context.Context, req ports.DispatchRequest, spec domain.JobSpec) (map[string]string, error) {
	var env map[string]string
	err := e.guard(req.RunID, req.NodeID, "resolve_env", func() error {
		resolved, err := e.env.ResolveEnv(ctx, spec, req.Matrix)
		env = resolved
		return err
	})
	return env, err
}

// cancelHandle asks the backend to stop handle without blocking the caller.
func (e *Engine) cancelHandle(runID, nodeID string, handle ports.Handle) {
	if handle == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()

		err := e.guard(runID, nodeID, "cancel", func() error {
			return e.backend.Cancel(ctx, handle)
		})
		if err != nil {
			e.logger.Warn("failed to cancel backend handle",
				"run_id", runID,
				"node_id", nodeID,
				"handle", handle,
				"error", err)
		}
	}()
}

// resumeExecutions restores the running nodes of a reloaded run. Nodes whose
// backend cannot reattach them are failed with ErrHandleLost.
func (s *Scheduler) resumeExecutions() {
	reattacher, canReattach := s.engine.backend.(ports.Reattacher)

	for _, id := range s.graph.TopologicalOrder() {
		n, ok := s.graph.Node(id)
		if !ok || n.Status != domain.NodeStatusRunning {
			continue
		}
		spec, _ := s.graph.Job(n.JobName)

		if n.ConcurrencyGroup != "" {
			nodeID := n.ID
			s.engine.lanes.Reclaim(n.ConcurrencyGroup, s.run.ID, nodeID, func() {
				s.post(evictMsg{nodeID: nodeID})
			})
		}

		if n.Handle == "" {
			s.finishNode(n, domain.NodeStatusFailure, fmt.Errorf("%w: node %s was never acknowledged by the backend", domain.ErrHandleLost, n.ID))
			continue
		}
		handle := ports.Handle(n.Handle)

		if !canReattach {
			s.engine.cancelHandle(s.run.ID, n.ID, handle)
			s.finishNode(n, domain.NodeStatusFailure, fmt.Errorf("%w: backend cannot reattach %s", domain.ErrHandleLost, handle))
			continue
		}

		needs := s.needsTable(spec)
		ctx := s.exprContext(n, spec, needs)
		env, err := s.resolveEnv(spec, ctx)
		if err != nil {
			s.logger.Warn("failed to resolve env for resumed node", "node_id", n.ID, "error", err)
		}

		timeout := spec.Timeout
		if timeout <= 0 {
			timeout = s.engine.config.DefaultJobTimeout
		}
		exec := &execution{handle: handle, env: env, timeout: timeout}
		s.executions[n.ID] = exec

		if timeout > 0 && n.StartedAt != nil {
			remaining := timeout - time.Since(*n.StartedAt)
			if remaining <= 0 {
				s.onTimeout(n.ID)
				continue
			}
			s.armTimer(n.ID, exec, remaining)
		}

		req := s.request(n, spec, env, timeout, needs)
		sink := &nodeSink{scheduler: s, nodeID: n.ID}
		s.logger.Info("reattaching node", "node_id", n.ID, "handle", handle)
		go s.reattach(reattacher, handle, req, sink)
	}
}

func (s *Scheduler) reattach(reattacher ports.Reattacher, handle ports.Handle, req ports.DispatchRequest, sink ports.CompletionSink) {
	err := s.engine.guard(req.RunID, req.NodeID, "reattach", func() error {
		return reattacher.Reattach(s.ctx, handle, req, sink)
	})
	s.post(reattachedMsg{nodeID: req.NodeID, err: err})
}

func (s *Scheduler) onReattached(m reattachedMsg) {
	if m.err == nil {
		return
	}
	n, ok := s.graph.Node(m.nodeID)
	if !ok || n.Status != domain.NodeStatusRunning {
		return
	}
	s.finishNode(n, domain.NodeStatusFailure, fmt.Errorf("%w: %v", domain.ErrHandleLost, m.err))
}
