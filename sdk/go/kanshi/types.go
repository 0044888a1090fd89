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

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s != "" && s != StatusPending
}

// LogEntry is one line of an execution's log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Execution is one tracked operation.
type Execution struct {
	CorrelationID       string     `json:"correlationId"`
	Command             string     `json:"command"`
	AgentTarget         string     `json:"agentTarget"`
	OperationType       string     `json:"operationType,omitempty"`
	Status              Status     `json:"status"`
	StartTime           time.Time  `json:"startTime"`
	EndTime             *time.Time `json:"endTime,omitempty"`
	CallbackTime        *time.Time `json:"callbackTime,omitempty"`
	PollingDetectedTime *time.Time `json:"pollingDetectedTime,omitempty"`
	Result              any        `json:"result,omitempty"`
	Error               string     `json:"error,omitempty"`
	Logs                []LogEntry `json:"logs"`
	TimedOut            bool       `json:"timedOut"`
	ParentID            string     `json:"parentId,omitempty"`
	ChildIDs            []string   `json:"childIds"`
}

// StartRequest registers an execution the caller delivers itself.
type StartRequest struct {
	// CorrelationID is generated by the hub when empty.
	CorrelationID string `json:"correlationId,omitempty"`
	Command       string `json:"command"`
	AgentTarget   string `json:"agentTarget"`
	OperationType string `json:"operationType,omitempty"`
	ParentID      string `json:"parentId,omitempty"`
	TimeoutMs     int64  `json:"timeoutMs,omitempty"`
}

// DispatchRequest asks the hub to deliver a command to agents.
type DispatchRequest struct {
	Command       string         `json:"command"`
	OperationType string         `json:"operationType,omitempty"`
	Targets       []string       `json:"targets"`
	Args          map[string]any `json:"args,omitempty"`
	TimeoutMs     int64          `json:"timeoutMs,omitempty"`
}

// DispatchResponse holds the execution created for a dispatch. For a
// fan-out, Execution is the parent and Children holds one entry per agent.
type DispatchResponse struct {
	Execution Execution   `json:"execution"`
	Children  []Execution `json:"children,omitempty"`
}

// ListOptions are optional filters for List and ListArchived.
type ListOptions struct {
	Status   Status
	Agent    string
	ParentID string
	Limit    int
}

// ListResponse is a page of executions.
type ListResponse struct {
	Executions []Execution
	Total      int
	HasMore    bool
	Limit      int
}

// Agent is a registered dispatch target.
type Agent struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// HealthResponse is the response from GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Tracked     int    `json:"tracked"`
	Archive     string `json:"archive,omitempty"`
	SSEBroker   string `json:"sse_broker,omitempty"`
	Subscribers int    `json:"sse_subscribers"`
	Uptime      int64  `json:"uptime_seconds"`
}

// Event is one notification from the subscription stream.
type Event struct {
	Type           string    `json:"type"`
	Execution      Execution `json:"execution"`
	PreviousStatus Status    `json:"previousStatus"`
	At             time.Time `json:"at"`
}

type listEnvelope struct {
	Data    []Execution `json:"data"`
	Total   int         `json:"total"`
	HasMore bool        `json:"has_more"`
	Limit   int         `json:"limit"`
}
