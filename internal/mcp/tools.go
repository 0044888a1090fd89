package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kanshi/internal/archive"
	"github.com/ashita-ai/kanshi/internal/dispatch"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/tracker"
)

const (
	defaultWaitSeconds = 30
	maxWaitSeconds     = 300
)

func (s *Server) registerTools() {
	statuses := []string{
		string(model.StatusPending), string(model.StatusSuccess), string(model.StatusFailed),
		string(model.StatusTimeout), string(model.StatusTimeoutSuccess),
		string(model.StatusPartialSuccess), string(model.StatusManualTermination),
	}

	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_list_executions",
			mcplib.WithDescription(`List tracked executions, newest first.

WHEN TO USE: To see what is running or recently finished, or to find the
correlation ID of a command you dispatched earlier.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Only executions in this status"),
				mcplib.Enum(statuses...),
			),
			mcplib.WithString("agent", mcplib.Description("Only executions targeting this agent")),
			mcplib.WithString("parent_id", mcplib.Description("Only children of this fan-out execution")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(float64(model.MaxFilterLimit)),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListExecutions,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_get_execution",
			mcplib.WithDescription("Get one execution by correlation ID, including its result, error and newest log entries. Falls back to the archive for executions no longer held in memory."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("correlation_id", mcplib.Description("Correlation ID of the execution"), mcplib.Required()),
		),
		s.handleGetExecution,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_wait_execution",
			mcplib.WithDescription(`Block until an execution reaches a terminal status or the wait times out.

WHAT YOU GET BACK: the execution and "finished". finished=false means the
wait timed out while the execution is still pending; call again to keep
waiting.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("correlation_id", mcplib.Description("Correlation ID of the execution"), mcplib.Required()),
			mcplib.WithNumber("timeout_seconds",
				mcplib.Description("How long to wait"),
				mcplib.Min(1),
				mcplib.Max(maxWaitSeconds),
				mcplib.DefaultNumber(defaultWaitSeconds),
			),
		),
		s.handleWaitExecution,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_dispatch",
			mcplib.WithDescription(`Send a command to one or more agents and track it.

A single target creates one execution. Several targets, or "all", create a
parent execution plus one child per agent; the parent finishes once every
child has. Use kanshi_wait_execution with the returned correlation ID to
follow it.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("command", mcplib.Description("Command text delivered to the agents"), mcplib.Required()),
			mcplib.WithArray("targets",
				mcplib.Description(`Agent names, or ["all"] for every registered agent`),
				mcplib.WithStringItems(),
				mcplib.Required(),
			),
			mcplib.WithString("operation_type", mcplib.Description("Optional operation category (e.g. stop, manager-restart)")),
			mcplib.WithNumber("timeout_seconds", mcplib.Description("Overrides the default execution timeout"), mcplib.Min(1)),
		),
		s.handleDispatch,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_list_agents",
			mcplib.WithDescription("List the agents commands can be dispatched to."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListAgents,
	)
}

func (s *Server) handleListExecutions(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	f := model.ExecutionFilter{
		Status:      model.ExecutionStatus(request.GetString("status", "")),
		AgentTarget: request.GetString("agent", ""),
		ParentID:    request.GetString("parent_id", ""),
		Limit:       request.GetInt("limit", 20),
	}
	if f.Status != "" && !f.Status.Valid() {
		return errorResult(fmt.Sprintf("unknown status %q", f.Status)), nil
	}

	all := s.tracker.List()
	matched := make([]model.Execution, 0, len(all))
	for i := range all {
		if f.Matches(&all[i]) {
			matched = append(matched, all[i])
		}
	}
	slices.Reverse(matched)
	total := len(matched)
	if limit := f.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}

	return jsonResult(map[string]any{
		"executions": compactExecutions(matched),
		"total":      total,
	})
}

func (s *Server) handleGetExecution(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := request.RequireString("correlation_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	if exec, ok := s.tracker.Get(id); ok {
		return jsonResult(compactExecution(exec))
	}
	if s.archive != nil {
		exec, err := s.archive.GetExecution(ctx, id)
		if err == nil {
			out := compactExecution(exec)
			out["archived"] = true
			return jsonResult(out)
		}
		if !errors.Is(err, archive.ErrNotFound) {
			s.logger.Warn("mcp: archive lookup failed", "correlation_id", id, "error", err)
		}
	}
	return errorResult(fmt.Sprintf("execution %s not found", id)), nil
}

func (s *Server) handleWaitExecution(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := request.RequireString("correlation_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	secs := min(max(request.GetInt("timeout_seconds", defaultWaitSeconds), 1), maxWaitSeconds)

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(secs)*time.Second)
	defer cancel()

	exec, err := s.tracker.Wait(waitCtx, id)
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		return errorResult(fmt.Sprintf("execution %s not found", id)), nil
	case errors.Is(err, tracker.ErrEvicted):
		return errorResult(fmt.Sprintf("execution %s was evicted before it finished", id)), nil
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	}

	return jsonResult(map[string]any{
		"execution": compactExecution(exec),
		"finished":  exec.IsTerminal(),
	})
}

func (s *Server) handleDispatch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.dispatcher == nil {
		return errorResult("no agents configured"), nil
	}

	seconds := int64(request.GetInt("timeout_seconds", 0))
	if seconds > model.MaxTimeoutMs/1000 {
		return errorResult(fmt.Sprintf("timeout_seconds exceeds maximum of %d", model.MaxTimeoutMs/1000)), nil
	}
	req := model.DispatchRequest{
		Command:       request.GetString("command", ""),
		OperationType: request.GetString("operation_type", ""),
		Targets:       request.GetStringSlice("targets", nil),
		TimeoutMs:     seconds * 1000,
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	res, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		Command:       req.Command,
		OperationType: req.OperationType,
		Targets:       req.Targets,
		Timeout:       time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("dispatch failed: %v", err)), nil
	}

	out := map[string]any{
		"correlation_id": res.Execution.CorrelationID,
		"execution":      compactExecution(res.Execution),
	}
	if len(res.Children) > 0 {
		out["children"] = compactExecutions(res.Children)
	}
	return jsonResult(out)
}

func (s *Server) handleListAgents(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agents := []model.AgentInfo{}
	if s.dispatcher != nil {
		agents = s.dispatcher.Agents()
	}
	return jsonResult(map[string]any{"agents": agents})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
