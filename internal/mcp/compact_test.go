package mcp

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kanshi/internal/model"
)

func TestCompactExecutionTrimsLogs(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	e := model.Execution{
		CorrelationID: "exec-1",
		Command:       "deploy",
		AgentTarget:   "alpha",
		Status:        model.StatusFailed,
		StartTime:     start,
		EndTime:       &end,
		Error:         strings.Repeat("x", 400),
	}
	for i := range 8 {
		e.Logs = append(e.Logs, model.LogEntry{Time: start, Message: fmt.Sprintf("line %d", i)})
	}

	m := compactExecution(e)
	assert.Equal(t, int64(1500), m["duration_ms"])
	assert.Equal(t, 3, m["logs_omitted"])
	assert.Equal(t, []string{"line 3", "line 4", "line 5", "line 6", "line 7"}, m["logs"])
	assert.Len(t, m["error"], maxCompactMessage+3)
	assert.NotContains(t, m, "parent_id")
	assert.NotContains(t, m, "timed_out")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
	assert.Equal(t, "日本...", truncate("日本語テキスト", 2))
}
