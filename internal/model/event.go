package model

import "time"

// EventType names a tracker notification channel.
type EventType string

const (
	// EventExecutionUpdate fires on every mutation of an execution.
	EventExecutionUpdate EventType = "executionUpdate"

	EventExecutionComplete EventType = "execution-complete"
	EventExecutionFailed   EventType = "execution-failed"
	EventExecutionTimeout  EventType = "execution-timeout"

	// EventManagerOperationComplete fires on any terminal transition of a
	// manager lifecycle operation.
	EventManagerOperationComplete EventType = "manager-operation-complete"
)

// ExecutionEvent is the payload delivered to bus subscribers. Execution is a
// snapshot taken at the moment of the transition.
type ExecutionEvent struct {
	Type           EventType       `json:"type"`
	Execution      Execution       `json:"execution"`
	PreviousStatus ExecutionStatus `json:"previousStatus"`
	At             time.Time       `json:"at"`
}
