package domain

import (
	"sync/atomic"
	"time"
)

type ExecutionMetrics struct {
	RunsStarted   int64 `json:"runs_started"`
	RunsSucceeded int64 `json:"runs_succeeded"`
	RunsFailed    int64 `json:"runs_failed"`
	RunsCancelled int64 `json:"runs_cancelled"`

	NodesDispatched int64 `json:"nodes_dispatched"`
	NodesSucceeded  int64 `json:"nodes_succeeded"`
	NodesFailed     int64 `json:"nodes_failed"`
	NodesSkipped    int64 `json:"nodes_skipped"`
	NodesCancelled  int64 `json:"nodes_cancelled"`
	NodesTimedOut   int64 `json:"nodes_timed_out"`
	NodesEvicted    int64 `json:"nodes_evicted"`

	TotalExecutionTimeNs int64 `json:"total_execution_time_ns"`
	NodeExecutionCount   int64 `json:"node_execution_count"`
}

func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{}
}

func (m *ExecutionMetrics) RunStarted() {
	atomic.AddInt64(&m.RunsStarted, 1)
}

func (m *ExecutionMetrics) RunFinished(status RunStatus) {
	switch status {
	case RunStatusSuccess:
		atomic.AddInt64(&m.RunsSucceeded, 1)
	case RunStatusFailure:
		atomic.AddInt64(&m.RunsFailed, 1)
	case RunStatusCancelled:
		atomic.AddInt64(&m.RunsCancelled, 1)
	}
}

func (m *ExecutionMetrics) NodeDispatched() {
	atomic.AddInt64(&m.NodesDispatched, 1)
}

func (m *ExecutionMetrics) NodeFinished(status NodeStatus, duration time.Duration) {
	switch status {
	case NodeStatusSuccess:
		atomic.AddInt64(&m.NodesSucceeded, 1)
	case NodeStatusFailure:
		atomic.AddInt64(&m.NodesFailed, 1)
	case NodeStatusSkipped:
		atomic.AddInt64(&m.NodesSkipped, 1)
		return
	case NodeStatusCancelled:
		atomic.AddInt64(&m.NodesCancelled, 1)
	}
	if duration > 0 {
		atomic.AddInt64(&m.TotalExecutionTimeNs, duration.Nanoseconds())
		atomic.AddInt64(&m.NodeExecutionCount, 1)
	}
}

func (m *ExecutionMetrics) NodeTimedOut() {
	atomic.AddInt64(&m.NodesTimedOut, 1)
}

func (m *ExecutionMetrics) NodeEvicted() {
	atomic.AddInt64(&m.NodesEvicted, 1)
}

func (m *ExecutionMetrics) AverageExecutionTime() time.Duration {
	count := atomic.LoadInt64(&m.NodeExecutionCount)
	if count == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&m.TotalExecutionTimeNs) / count)
}

func (m *ExecutionMetrics) Snapshot() ExecutionMetrics {
	return ExecutionMetrics{
		RunsStarted:          atomic.LoadInt64(&m.RunsStarted),
		RunsSucceeded:        atomic.LoadInt64(&m.RunsSucceeded),
		RunsFailed:           atomic.LoadInt64(&m.RunsFailed),
		RunsCancelled:        atomic.LoadInt64(&m.RunsCancelled),
		NodesDispatched:      atomic.LoadInt64(&m.NodesDispatched),
		NodesSucceeded:       atomic.LoadInt64(&m.NodesSucceeded),
		NodesFailed:          atomic.LoadInt64(&m.NodesFailed),
		NodesSkipped:         atomic.LoadInt64(&m.NodesSkipped),
		NodesCancelled:       atomic.LoadInt64(&m.NodesCancelled),
		NodesTimedOut:        atomic.LoadInt64(&m.NodesTimedOut),
		NodesEvicted:         atomic.LoadInt64(&m.NodesEvicted),
		TotalExecutionTimeNs: atomic.LoadInt64(&m.TotalExecutionTimeNs),
		NodeExecutionCount:   atomic.LoadInt64(&m.NodeExecutionCount),
	}
}
