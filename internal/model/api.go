package model

import (
	"fmt"
	"time"
)

// Field length limits for request bodies. They bound what a single caller
// can pin in the in-memory store for the lifetime of a record.
const (
	MaxCommandLen       = 4 * 1024
	MaxOperationTypeLen = 200
	MaxErrorLen         = 16 * 1024
	MaxLogMessageLen    = 8 * 1024
	MaxTargets          = 256
)

// MaxTimeoutMs caps a per-request timeout override.
const MaxTimeoutMs = int64(24 * time.Hour / time.Millisecond)

func validateTimeoutMs(ms int64) error {
	if ms < 0 {
		return fmt.Errorf("timeoutMs must not be negative")
	}
	if ms > MaxTimeoutMs {
		return fmt.Errorf("timeoutMs exceeds maximum of %d (24h)", MaxTimeoutMs)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeTimeout       = "TIMEOUT"
)

// StartExecutionRequest is the request body for POST /v1/executions.
type StartExecutionRequest struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Command       string `json:"command"`
	AgentTarget   string `json:"agentTarget"`
	OperationType string `json:"operationType,omitempty"`
	ParentID      string `json:"parentId,omitempty"`

	// TimeoutMs overrides the hub's timeout policy when positive.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// Validate checks required fields and length limits.
func (r StartExecutionRequest) Validate() error {
	if r.CorrelationID != "" {
		if err := ValidateCorrelationID(r.CorrelationID); err != nil {
			return err
		}
	}
	if r.ParentID != "" {
		if err := ValidateCorrelationID(r.ParentID); err != nil {
			return fmt.Errorf("parentId: %w", err)
		}
		if r.ParentID == r.CorrelationID {
			return fmt.Errorf("parentId must differ from correlationId")
		}
	}
	if r.Command == "" {
		return fmt.Errorf("command is required")
	}
	if len(r.Command) > MaxCommandLen {
		return fmt.Errorf("command exceeds maximum length of %d bytes", MaxCommandLen)
	}
	if r.AgentTarget == "" {
		return fmt.Errorf("agentTarget is required")
	}
	if len(r.OperationType) > MaxOperationTypeLen {
		return fmt.Errorf("operationType exceeds maximum length of %d characters", MaxOperationTypeLen)
	}
	return validateTimeoutMs(r.TimeoutMs)
}

// CompleteExecutionRequest is the request body for POST /v1/executions/{id}/complete.
type CompleteExecutionRequest struct {
	Result any `json:"result,omitempty"`
}

// FailExecutionRequest is the request body for POST /v1/executions/{id}/fail.
type FailExecutionRequest struct {
	Error string `json:"error"`
}

// Validate checks the error message.
func (r FailExecutionRequest) Validate() error {
	if r.Error == "" {
		return fmt.Errorf("error is required")
	}
	if len(r.Error) > MaxErrorLen {
		return fmt.Errorf("error exceeds maximum length of %d bytes", MaxErrorLen)
	}
	return nil
}

// TerminateExecutionRequest is the request body for POST /v1/executions/{id}/terminate.
type TerminateExecutionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AddLogRequest is the request body for POST /v1/executions/{id}/logs.
type AddLogRequest struct {
	Message string `json:"message"`
}

// Validate checks the log message.
func (r AddLogRequest) Validate() error {
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	if len(r.Message) > MaxLogMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxLogMessageLen)
	}
	return nil
}

// DispatchRequest is the request body for POST /v1/dispatch.
type DispatchRequest struct {
	Command       string         `json:"command"`
	OperationType string         `json:"operationType,omitempty"`
	Targets       []string       `json:"targets"`
	Args          map[string]any `json:"args,omitempty"`
	TimeoutMs     int64          `json:"timeoutMs,omitempty"`
}

// Validate checks required fields and limits.
func (r DispatchRequest) Validate() error {
	if r.Command == "" {
		return fmt.Errorf("command is required")
	}
	if len(r.Command) > MaxCommandLen {
		return fmt.Errorf("command exceeds maximum length of %d bytes", MaxCommandLen)
	}
	if len(r.Targets) == 0 {
		return fmt.Errorf("targets is required")
	}
	if len(r.Targets) > MaxTargets {
		return fmt.Errorf("targets exceeds maximum of %d entries", MaxTargets)
	}
	for i, target := range r.Targets {
		if target == AllAgents {
			continue
		}
		if err := ValidateAgentName(target); err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
	}
	if len(r.OperationType) > MaxOperationTypeLen {
		return fmt.Errorf("operationType exceeds maximum length of %d characters", MaxOperationTypeLen)
	}
	return validateTimeoutMs(r.TimeoutMs)
}

// DispatchResponse is the response for POST /v1/dispatch. Execution is the
// single execution or the fan-out parent; Children is empty for a single
// target.
type DispatchResponse struct {
	Execution Execution   `json:"execution"`
	Children  []Execution `json:"children,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Tracked     int    `json:"tracked"`
	Archive     string `json:"archive,omitempty"`
	SSEBroker   string `json:"sse_broker,omitempty"`
	Subscribers int    `json:"sse_subscribers"`
	Uptime      int64  `json:"uptime_seconds"`
}
