package domain

import "time"

type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventRunCompleted  EventType = "run.completed"
	EventNodeStarted   EventType = "node.started"
	EventNodeCompleted EventType = "node.completed"
)

type RunStartedEvent struct {
	RunID     string    `json:"run_id"`
	Workflow  string    `json:"workflow"`
	NodeCount int       `json:"node_count"`
	StartedAt time.Time `json:"started_at"`
}

type RunCompletedEvent struct {
	RunID       string        `json:"run_id"`
	Workflow    string        `json:"workflow"`
	Status      RunStatus     `json:"status"`
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

type NodeStartedEvent struct {
	RunID     string         `json:"run_id"`
	NodeID    string         `json:"node_id"`
	JobName   string         `json:"job_name"`
	Matrix    map[string]any `json:"matrix,omitempty"`
	StartedAt time.Time      `json:"started_at"`
}

// NodeCompletedEvent fires for every terminal node, including skipped and cancelled ones.
type NodeCompletedEvent struct {
	RunID       string            `json:"run_id"`
	NodeID      string            `json:"node_id"`
	JobName     string            `json:"job_name"`
	Status      NodeStatus        `json:"status"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	Error       string            `json:"error,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
	Duration    time.Duration     `json:"duration"`
}

type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}
