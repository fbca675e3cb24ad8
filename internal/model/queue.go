package model

import "time"

// QueueDepthSnapshot is a point-in-time view of the downstream execution
// and processing stage queues. Ephemeral; read at admission-decision time
// and never persisted.
type QueueDepthSnapshot struct {
	ExecutionWaiting  int       `json:"execution_waiting"`
	ExecutionActive   int       `json:"execution_active"`
	ExecutionDelayed  int       `json:"execution_delayed"`
	ProcessingWaiting int       `json:"processing_waiting"`
	ProcessingActive  int       `json:"processing_active"`
	ProcessingDelayed int       `json:"processing_delayed"`
	ObservedAt        time.Time `json:"observed_at"`
}

// ProcessingBacklog is the combined waiting + active depth of the
// processing stage, the figure the admission controller thresholds on.
func (s QueueDepthSnapshot) ProcessingBacklog() int {
	return s.ProcessingWaiting + s.ProcessingActive
}
