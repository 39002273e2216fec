package domain

import (
	"fmt"
	"runtime"
	"time"
)

type WorkflowPanicError struct {
	RunID       string      `json:"run_id"`
	NodeID      string      `json:"node_id"`
	PanicValue  interface{} `json:"panic_value"`
	StackTrace  string      `json:"stack_trace"`
	Timestamp   time.Time   `json:"timestamp"`
	RecoveredAt string      `json:"recovered_at"`
}

func (wpe *WorkflowPanicError) Error() string {
	return fmt.Sprintf("backend panicked for node %s: %v", wpe.NodeID, wpe.PanicValue)
}

func NewPanicError(runID, nodeID string, panicValue interface{}) *WorkflowPanicError {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)

	pc, file, line, ok := runtime.Caller(2)
	recoveredAt := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			recoveredAt = fmt.Sprintf("%s at %s:%d", fn.Name(), file, line)
		}
	}

	return &WorkflowPanicError{
		RunID:       runID,
		NodeID:      nodeID,
		PanicValue:  panicValue,
		StackTrace:  string(buf[:n]),
		Timestamp:   time.Now(),
		RecoveredAt: recoveredAt,
	}
}
