package domain

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailure   RunStatus = "failure"
	RunStatusCancelled RunStatus = "cancelled"
)

func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailure, RunStatusCancelled:
		return true
	}
	return false
}

type NodeStatus string

const (
	NodeStatusBlocked   NodeStatus = "blocked"
	NodeStatusReady     NodeStatus = "ready"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSuccess   NodeStatus = "success"
	NodeStatusFailure   NodeStatus = "failure"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusCancelled NodeStatus = "cancelled"
)

func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusSuccess, NodeStatusFailure, NodeStatusSkipped, NodeStatusCancelled:
		return true
	}
	return false
}

var nodeTransitions = map[NodeStatus][]NodeStatus{
	NodeStatusBlocked: {NodeStatusReady, NodeStatusSkipped, NodeStatusCancelled, NodeStatusFailure},
	NodeStatusReady:   {NodeStatusRunning, NodeStatusCancelled, NodeStatusFailure},
	NodeStatusRunning: {NodeStatusSuccess, NodeStatusFailure, NodeStatusCancelled},
}

// CanTransition reports whether a node may move from one status to another.
// Terminal statuses have no outgoing transitions.
func CanTransition(from, to NodeStatus) bool {
	for _, next := range nodeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
