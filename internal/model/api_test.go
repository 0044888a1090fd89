package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanshi/internal/model"
)

func TestStartExecutionRequest_Validate(t *testing.T) {
	ok := model.StartExecutionRequest{Command: "start web", AgentTarget: "web-1"}
	require.NoError(t, ok.Validate())

	tests := []struct {
		name string
		req  model.StartExecutionRequest
		want string
	}{
		{"missing command", model.StartExecutionRequest{AgentTarget: "web-1"}, "command"},
		{"missing target", model.StartExecutionRequest{Command: "x"}, "agentTarget"},
		{"bad correlation id", model.StartExecutionRequest{CorrelationID: "a b", Command: "x", AgentTarget: "y"}, "correlationId"},
		{"bad parent id", model.StartExecutionRequest{ParentID: "a/b", Command: "x", AgentTarget: "y"}, "parentId"},
		{"command too long", model.StartExecutionRequest{Command: strings.Repeat("x", model.MaxCommandLen+1), AgentTarget: "y"}, "command"},
		{"negative timeout", model.StartExecutionRequest{Command: "x", AgentTarget: "y", TimeoutMs: -1}, "timeoutMs"},
		{"timeout overflows duration", model.StartExecutionRequest{Command: "x", AgentTarget: "y", TimeoutMs: 18446744073710}, "timeoutMs"},
		{"timeout above max", model.StartExecutionRequest{Command: "x", AgentTarget: "y", TimeoutMs: model.MaxTimeoutMs + 1}, "timeoutMs"},
		{"self parent", model.StartExecutionRequest{CorrelationID: "exec-1", ParentID: "exec-1", Command: "x", AgentTarget: "y"}, "parentId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStartExecutionRequest_TimeoutAtExactMax(t *testing.T) {
	req := model.StartExecutionRequest{Command: "x", AgentTarget: "web-1", TimeoutMs: model.MaxTimeoutMs}
	assert.NoError(t, req.Validate())
}

func TestStartExecutionRequest_CommandAtExactMax(t *testing.T) {
	req := model.StartExecutionRequest{Command: strings.Repeat("x", model.MaxCommandLen), AgentTarget: "web-1"}
	assert.NoError(t, req.Validate(), "at the limit should pass")
}

func TestFailExecutionRequest_Validate(t *testing.T) {
	assert.NoError(t, model.FailExecutionRequest{Error: "disk full"}.Validate())
	assert.Error(t, model.FailExecutionRequest{}.Validate())
	assert.Error(t, model.FailExecutionRequest{Error: strings.Repeat("x", model.MaxErrorLen+1)}.Validate())
}

func TestAddLogRequest_Validate(t *testing.T) {
	assert.NoError(t, model.AddLogRequest{Message: "pulling image"}.Validate())
	assert.Error(t, model.AddLogRequest{}.Validate())
	assert.Error(t, model.AddLogRequest{Message: strings.Repeat("x", model.MaxLogMessageLen+1)}.Validate())
}

func TestDispatchRequest_Validate(t *testing.T) {
	require.NoError(t, model.DispatchRequest{Command: "stop", Targets: []string{"all"}}.Validate())
	require.NoError(t, model.DispatchRequest{Command: "stop", Targets: []string{"web-1", "web-2"}}.Validate())

	err := model.DispatchRequest{Command: "stop"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "targets")

	err = model.DispatchRequest{Command: "stop", Targets: []string{"web 1"}}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "targets[0]")

	many := make([]string, model.MaxTargets+1)
	for i := range many {
		many[i] = "a"
	}
	assert.Error(t, model.DispatchRequest{Command: "stop", Targets: many}.Validate())

	err = model.DispatchRequest{Command: "stop", Targets: []string{"all"}, TimeoutMs: model.MaxTimeoutMs + 1}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeoutMs")
}
