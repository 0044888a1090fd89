package model

import "time"

// ExecutionStatus is the lifecycle state of a tracked operation. Exactly one
// status holds at a time.
type ExecutionStatus string

const (
	StatusPending           ExecutionStatus = "pending"
	StatusSuccess           ExecutionStatus = "success"
	StatusFailed            ExecutionStatus = "failed"
	StatusTimeout           ExecutionStatus = "timeout"
	StatusTimeoutSuccess    ExecutionStatus = "timeoutSuccess"
	StatusPartialSuccess    ExecutionStatus = "partialSuccess"
	StatusManualTermination ExecutionStatus = "manualTermination"
)

// IsTerminal reports whether the status is final. Only timeout has a
// further transition (to timeoutSuccess, on a late completion).
func (s ExecutionStatus) IsTerminal() bool {
	return s != StatusPending && s.Valid()
}

// Valid reports whether s is one of the known statuses.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed, StatusTimeout,
		StatusTimeoutSuccess, StatusPartialSuccess, StatusManualTermination:
		return true
	}
	return false
}

// MultiAgentTarget is the agentTarget recorded on fan-out parents.
const MultiAgentTarget = "multi-agent"

// LogEntry is one line of an execution's diagnostic trail.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Execution is one logical distributed operation, keyed by correlation ID.
type Execution struct {
	CorrelationID       string          `json:"correlationId"`
	Command             string          `json:"command"`
	AgentTarget         string          `json:"agentTarget"`
	OperationType       string          `json:"operationType,omitempty"`
	Status              ExecutionStatus `json:"status"`
	StartTime           time.Time       `json:"startTime"`
	EndTime             *time.Time      `json:"endTime,omitempty"`
	CallbackTime        *time.Time      `json:"callbackTime,omitempty"`
	PollingDetectedTime *time.Time      `json:"pollingDetectedTime,omitempty"`
	Result              any             `json:"result,omitempty"`
	Error               string          `json:"error,omitempty"`
	Logs                []LogEntry      `json:"logs"`
	TimedOut            bool            `json:"timedOut"`
	ParentID            string          `json:"parentId,omitempty"`
	ChildIDs            []string        `json:"childIds"`
}

// IsTerminal reports whether the execution has left pending.
func (e *Execution) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// Duration is the time from start to end, or zero while still pending.
func (e *Execution) Duration() time.Duration {
	if e.EndTime == nil {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// Clone returns a copy that shares no mutable slices or time pointers with e.
// Result is copied by reference and treated as immutable once recorded.
func (e *Execution) Clone() Execution {
	c := *e
	c.EndTime = cloneTime(e.EndTime)
	c.CallbackTime = cloneTime(e.CallbackTime)
	c.PollingDetectedTime = cloneTime(e.PollingDetectedTime)
	c.Logs = append([]LogEntry(nil), e.Logs...)
	c.ChildIDs = append([]string(nil), e.ChildIDs...)
	if c.Logs == nil {
		c.Logs = []LogEntry{}
	}
	if c.ChildIDs == nil {
		c.ChildIDs = []string{}
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ChildResults counts a parent's children by terminal status.
type ChildResults struct {
	Success           int `json:"success"`
	Failed            int `json:"failed"`
	Timeout           int `json:"timeout"`
	TimeoutSuccess    int `json:"timeoutSuccess"`
	PartialSuccess    int `json:"partialSuccess"`
	ManualTermination int `json:"manualTermination"`
}

// Succeeded counts children in the success bucket (success and late success).
func (c ChildResults) Succeeded() int {
	return c.Success + c.TimeoutSuccess
}

// AggregateResult is the Result recorded on a fan-out parent once every
// child is terminal.
type AggregateResult struct {
	Message      string       `json:"message"`
	Total        int          `json:"total"`
	ChildResults ChildResults `json:"childResults"`
}

// ExecutionFilter selects executions from the archive. Zero fields match
// everything.
type ExecutionFilter struct {
	Status      ExecutionStatus
	AgentTarget string
	ParentID    string
	Limit       int
}

// Filter limits.
const (
	DefaultFilterLimit = 50
	MaxFilterLimit     = 1000
)

// EffectiveLimit clamps Limit to [1, MaxFilterLimit], defaulting to
// DefaultFilterLimit.
func (f ExecutionFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultFilterLimit
	case f.Limit > MaxFilterLimit:
		return MaxFilterLimit
	default:
		return f.Limit
	}
}

// Matches reports whether e satisfies the filter, ignoring Limit.
func (f ExecutionFilter) Matches(e *Execution) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.AgentTarget != "" && e.AgentTarget != f.AgentTarget {
		return false
	}
	if f.ParentID != "" && e.ParentID != f.ParentID {
		return false
	}
	return true
}
