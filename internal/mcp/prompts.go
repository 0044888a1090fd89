package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// run-command walks the agent through dispatching and following a command.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("run-command",
			mcplib.WithPromptDescription("Dispatch a command to agents and follow it to completion"),
			mcplib.WithArgument("command",
				mcplib.ArgumentDescription("The command to send"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("targets",
				mcplib.ArgumentDescription(`Comma-separated agent names, or "all"`),
			),
		),
		s.handleRunCommandPrompt,
	)
}

func (s *Server) handleRunCommandPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	command := request.Params.Arguments["command"]
	if command == "" {
		return nil, fmt.Errorf("command argument is required")
	}
	targets := request.Params.Arguments["targets"]
	if targets == "" {
		targets = "all"
	}

	text := fmt.Sprintf(`Run the command %q on %s and report the outcome.

1. Call kanshi_list_agents if you are unsure which agents exist.
2. Call kanshi_dispatch with command=%q and the targets.
3. Call kanshi_wait_execution with the returned correlation_id until finished is true.
4. Report the final status. For partialSuccess, list which children failed
   (kanshi_list_executions with parent_id set to the correlation_id).
   For timeout, say which agents never answered.`, command, targets, command)

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Run %q and follow it to completion", command),
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: text},
			},
		},
	}, nil
}
