package mcp

import (
	"github.com/ashita-ai/kanshi/internal/model"
)

const (
	maxCompactLogs    = 5
	maxCompactMessage = 300
)

// compactExecution returns a trimmed representation of an execution for MCP
// responses. Agents rarely need the full log, so only the newest entries
// are kept and long messages are truncated.
func compactExecution(e model.Execution) map[string]any {
	m := map[string]any{
		"correlation_id": e.CorrelationID,
		"command":        truncate(e.Command, maxCompactMessage),
		"agent_target":   e.AgentTarget,
		"status":         e.Status,
		"start_time":     e.StartTime,
	}
	if e.OperationType != "" {
		m["operation_type"] = e.OperationType
	}
	if e.EndTime != nil {
		m["end_time"] = e.EndTime
		m["duration_ms"] = e.Duration().Milliseconds()
	}
	if e.Result != nil {
		m["result"] = e.Result
	}
	if e.Error != "" {
		m["error"] = truncate(e.Error, maxCompactMessage)
	}
	if e.TimedOut {
		m["timed_out"] = true
	}
	if e.ParentID != "" {
		m["parent_id"] = e.ParentID
	}
	if len(e.ChildIDs) > 0 {
		m["child_ids"] = e.ChildIDs
	}

	logs := e.Logs
	if len(logs) > maxCompactLogs {
		m["logs_omitted"] = len(logs) - maxCompactLogs
		logs = logs[len(logs)-maxCompactLogs:]
	}
	msgs := make([]string, 0, len(logs))
	for _, l := range logs {
		msgs = append(msgs, truncate(l.Message, maxCompactMessage))
	}
	m["logs"] = msgs

	return m
}

func compactExecutions(execs []model.Execution) []map[string]any {
	out := make([]map[string]any, 0, len(execs))
	for _, e := range execs {
		out = append(out, compactExecution(e))
	}
	return out
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
