package engine

import (
	"fmt"
	"strings"

	"github.com/eleven-am/conduit/internal/adapters/expression"
	"github.com/eleven-am/conduit/internal/domain"
)

// promote evaluates every blocked node whose parents are all terminal.
func (s *Scheduler) promote() {
	for _, id := range s.graph.TopologicalOrder() {
		n, ok := s.graph.Node(id)
		if !ok || n.Status != domain.NodeStatusBlocked {
			continue
		}
		if !s.parentsTerminal(id) {
			continue
		}
		s.evaluate(n)
	}
}

func (s *Scheduler) parentsTerminal(id string) bool {
	parents, err := s.graph.Parents(id)
	if err != nil {
		s.logger.Error("failed to read node parents", "node_id", id, "error", err)
		return false
	}
	for _, parent := range parents {
		if p, ok := s.graph.Node(parent); ok && !p.IsTerminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) evaluate(n *domain.JobNode) {
	spec, ok := s.graph.Job(n.JobName)
	if !ok {
		s.finishNode(n, domain.NodeStatusFailure, &domain.GraphError{Job: n.JobName, Message: "unknown job"})
		return
	}

	ctx := s.exprContext(n, spec, s.needsTable(spec))
	condition := conditionSource(spec)

	if n.Deferred {
		s.expand(n, spec, ctx, condition)
		return
	}

	run, err := expression.Condition(condition, ctx)
	if err != nil {
		s.finishNode(n, domain.NodeStatusFailure, err)
		return
	}
	if !run {
		s.logger.Debug("node condition false", "node_id", n.ID, "condition", condition)
		s.finishNode(n, domain.NodeStatusSkipped, nil)
		return
	}

	if spec.Concurrency != nil {
		group, err := expression.Interpolate(spec.Concurrency.Group, ctx)
		if err != nil {
			s.finishNode(n, domain.NodeStatusFailure, err)
			return
		}
		n.ConcurrencyGroup = strings.TrimSpace(group)
	}

	s.transition(n, domain.NodeStatusReady)
}

// expand evaluates a dynamic matrix once the placeholder's needs are
// terminal and swaps the placeholder for the concrete variants. An if that
// reads matrix is left to the variants.
func (s *Scheduler) expand(placeholder *domain.JobNode, spec *domain.JobSpec, ctx *expression.Context, condition string) {
	gate := true
	if condition != "" {
		expr, err := expression.ParseCondition(condition)
		if err != nil {
			s.finishNode(placeholder, domain.NodeStatusFailure, err)
			return
		}
		gate = expr == nil || !expr.References("matrix")
	}
	if gate {
		run, err := expression.Condition(condition, ctx)
		if err != nil {
			s.finishNode(placeholder, domain.NodeStatusFailure, err)
			return
		}
		if !run {
			s.finishNode(placeholder, domain.NodeStatusSkipped, nil)
			return
		}
	}

	expansion, err := s.engine.expander.Expand(spec.Name, spec.Matrix, ctx)
	if err != nil {
		s.finishNode(placeholder, domain.NodeStatusFailure, err)
		return
	}

	created, err := s.graph.Expand(spec.Name, expansion)
	if err != nil {
		s.logger.Error("failed to expand matrix", "job", spec.Name, "error", err)
		s.finishNode(placeholder, domain.NodeStatusFailure, err)
		return
	}

	s.run.Order = s.graph.TopologicalOrder()
	s.progress = true
	s.dirty = true
	s.logger.Info("expanded dynamic matrix",
		"job", spec.Name,
		"variants", len(created))
}

// needsTable aggregates the result and outputs of every job spec directly needs.
func (s *Scheduler) needsTable(spec *domain.JobSpec) domain.NeedsTable {
	table := make(domain.NeedsTable, len(spec.Needs))
	for _, need := range spec.Needs {
		table[need] = s.aggregate(need)
	}
	return table
}

func (s *Scheduler) aggregate(job string) domain.NeedResult {
	result := domain.NeedResult{Outputs: make(map[string]string)}
	spec, _ := s.graph.Job(job)

	var failed, cancelled bool
	skipped := 0
	ids := s.graph.NodesOf(job)
	for _, id := range ids {
		n, ok := s.graph.Node(id)
		if !ok {
			continue
		}
		switch n.Status {
		case domain.NodeStatusFailure:
			if spec == nil || !spec.ContinueOnError {
				failed = true
			}
		case domain.NodeStatusCancelled:
			cancelled = true
		case domain.NodeStatusSkipped:
			skipped++
		case domain.NodeStatusSuccess:
			for k, v := range n.Outputs {
				result.Outputs[k] = v
			}
		}
	}

	switch {
	case failed:
		result.Result = domain.NodeStatusFailure
	case cancelled:
		result.Result = domain.NodeStatusCancelled
	case len(ids) > 0 && skipped == len(ids):
		result.Result = domain.NodeStatusSkipped
	default:
		result.Result = domain.NodeStatusSuccess
	}
	return result
}

func (s *Scheduler) exprContext(n *domain.JobNode, spec *domain.JobSpec, needs domain.NeedsTable) *expression.Context {
	env, err := domain.MergeEnv(s.run.Workflow.Env, s.run.Env, spec.Env)
	if err != nil {
		s.logger.Warn("failed to merge env", "node_id", n.ID, "error", err)
	}

	return expression.NewContext().
		WithSkippedSatisfiesNeeds(s.engine.config.SkippedSatisfiesNeeds).
		WithRunCancelled(s.run.Cancelled).
		WithNeeds(needs).
		With("github", orEmpty(s.run.Trigger)).
		With("inputs", orEmpty(s.run.Inputs)).
		With("env", env).
		With("matrix", orEmpty(n.Matrix))
}

// resolveEnv layers workflow, run and job env and interpolates each value.
func (s *Scheduler) resolveEnv(spec *domain.JobSpec, ctx *expression.Context) (map[string]string, error) {
	env, err := domain.MergeEnv(s.run.Workflow.Env, s.run.Env, spec.Env)
	if err != nil {
		return nil, err
	}
	for key, value := range env {
		resolved, err := expression.Interpolate(value, ctx)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", key, err)
		}
		env[key] = resolved
	}
	return env, nil
}

// conditionSource folds RunIfAlways into the job's if expression.
func conditionSource(spec *domain.JobSpec) string {
	condition := strings.TrimSpace(expression.Unwrap(spec.If))
	if !spec.RunIfAlways {
		return condition
	}
	if condition == "" {
		return "always()"
	}
	return "always() && (" + condition + ")"
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
