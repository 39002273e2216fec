package domain

import "time"

type SemaphoreStatus string

const (
	SemaphoreStatusAcquired SemaphoreStatus = "acquired"
	SemaphoreStatusReleased SemaphoreStatus = "released"
)

// SemaphoreEntity records which node holds a concurrency group.
type SemaphoreEntity struct {
	Group      string          `json:"group"`
	RunID      string          `json:"run_id"`
	NodeID     string          `json:"node_id"`
	AcquiredAt time.Time       `json:"acquired_at"`
	Status     SemaphoreStatus `json:"status"`
}

func (s *SemaphoreEntity) IsActive() bool {
	return s.Status == SemaphoreStatusAcquired
}

func (s *SemaphoreEntity) HeldBy(runID, nodeID string) bool {
	return s.IsActive() && s.RunID == runID && s.NodeID == nodeID
}
