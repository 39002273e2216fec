package engine

import (
	"time"

	"github.com/eleven-am/conduit/internal/domain"
)

func (s *Scheduler) publishRunStarted() {
	if s.engine.events == nil {
		return
	}
	event := &domain.RunStartedEvent{
		RunID:     s.run.ID,
		Workflow:  s.run.Workflow.Name,
		NodeCount: len(s.run.Nodes),
		StartedAt: time.Now(),
	}
	if err := s.engine.events.PublishRunStarted(event); err != nil {
		s.logger.Warn("failed to publish run started", "error", err)
	}
}

func (s *Scheduler) publishRunCompleted() {
	if s.engine.events == nil {
		return
	}
	event := &domain.RunCompletedEvent{
		RunID:       s.run.ID,
		Workflow:    s.run.Workflow.Name,
		Status:      s.run.Status,
		Error:       s.run.Error,
		CompletedAt: time.Now(),
	}
	if s.run.StartedAt != nil {
		event.Duration = event.CompletedAt.Sub(*s.run.StartedAt)
	}
	if err := s.engine.events.PublishRunCompleted(event); err != nil {
		s.logger.Warn("failed to publish run completed", "error", err)
	}
}

func (s *Scheduler) publishNodeStarted(n *domain.JobNode) {
	if s.engine.events == nil {
		return
	}
	event := &domain.NodeStartedEvent{
		RunID:     s.run.ID,
		NodeID:    n.ID,
		JobName:   n.JobName,
		Matrix:    n.Matrix,
		StartedAt: time.Now(),
	}
	if n.StartedAt != nil {
		event.StartedAt = *n.StartedAt
	}
	if err := s.engine.events.PublishNodeStarted(event); err != nil {
		s.logger.Warn("failed to publish node started", "node_id", n.ID, "error", err)
	}
}

func (s *Scheduler) publishNodeCompleted(n *domain.JobNode, duration time.Duration) {
	if s.engine.events == nil {
		return
	}
	event := &domain.NodeCompletedEvent{
		RunID:    s.run.ID,
		NodeID:   n.ID,
		JobName:  n.JobName,
		Status:   n.Status,
		Error:    n.Error,
		Duration: duration,
	}
	if n.CompletedAt != nil {
		event.CompletedAt = *n.CompletedAt
	}
	if len(n.Outputs) > 0 {
		event.Outputs = make(map[string]string, len(n.Outputs))
		for k, v := range n.Outputs {
			event.Outputs[k] = v
		}
	}
	if err := s.engine.events.PublishNodeCompleted(event); err != nil {
		s.logger.Warn("failed to publish node completed", "node_id", n.ID, "error", err)
	}
}
