package model

import "fmt"

// AllAgents is the dispatch target that expands to every registered agent.
const AllAgents = "all"

// AgentInfo describes a registered agent.
type AgentInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// AgentCommand is the body the hub POSTs to an agent's /v1/commands.
type AgentCommand struct {
	CorrelationID string         `json:"correlationId"`
	Command       string         `json:"command"`
	OperationType string         `json:"operationType,omitempty"`
	Args          map[string]any `json:"args,omitempty"`

	// CallbackURL is the hub base URL the agent reports back to.
	CallbackURL string `json:"callbackUrl"`
}

// AgentReply is an agent's response to an AgentCommand. An agent answers
// 202 Accepted with an empty body when it will call back later, or 200 with
// a reply when the command finished synchronously.
type AgentReply struct {
	Status string `json:"status"` // "success" or "failed"
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ValidateAgentName checks that an agent name conforms to the allowed format.
// Names must be 1-64 ASCII characters: alphanumeric, dots, hyphens and
// underscores.
func ValidateAgentName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("agent name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("agent name must be at most 64 characters")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' {
			return fmt.Errorf("agent name contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ValidateCorrelationID checks a caller-supplied correlation ID: 1-128
// printable ASCII characters without spaces or slashes, so it is safe in a
// URL path segment.
func ValidateCorrelationID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("correlationId is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("correlationId must be at most 128 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= ' ' || c > '~' || c == '/' || c == '?' || c == '#' || c == '%' {
			return fmt.Errorf("correlationId contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
