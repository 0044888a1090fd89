package kanshi

import "time"

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending           Status = "pending"
	StatusSuccess           Status = "success"
	StatusFailed            Status = "failed"
	StatusTimeout           Status = "timeout"
	StatusTimeoutSuccess    Status = "timeoutSuccess"
	StatusPartialSuccess    Status = "partialSuccess"
	StatusManualTermination Status = "manualTermination"
)

// Execution is the public representation of a tracked operation.
// It is a curated view of internal/model.Execution for use in extension
// interfaces. No internal package imports, safe to use from outside the
// module.
type Execution struct {
	CorrelationID string
	Command       string
	AgentTarget   string
	OperationType string
	Status        Status
	StartTime     time.Time
	EndTime       *time.Time
	Result        any
	Error         string
	TimedOut      bool
	ParentID      string
	ChildIDs      []string
}

// Duration is the time from start to end, or zero while still pending.
func (e Execution) Duration() time.Duration {
	if e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}
