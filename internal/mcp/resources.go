package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kanshi/internal/model"
)

const (
	recentURI             = "kanshi://executions/recent"
	pendingURI            = "kanshi://executions/pending"
	executionURIPrefix    = "kanshi://execution/"
	recentResourceEntries = 20
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentURI,
			"Recent Executions",
			mcplib.WithResourceDescription("The most recently started executions, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecent,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			pendingURI,
			"Pending Executions",
			mcplib.WithResourceDescription("Executions still waiting for an agent callback"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePending,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			executionURIPrefix+"{id}",
			"Execution",
			mcplib.WithTemplateDescription("Full record of one execution, including every log entry"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleExecution,
	)
}

func (s *Server) handleRecent(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	execs := s.tracker.List()
	slices.Reverse(execs)
	if len(execs) > recentResourceEntries {
		execs = execs[:recentResourceEntries]
	}
	return jsonResource(recentURI, compactExecutions(execs))
}

func (s *Server) handlePending(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	f := model.ExecutionFilter{Status: model.StatusPending}
	var pending []model.Execution
	for _, e := range s.tracker.List() {
		if f.Matches(&e) {
			pending = append(pending, e)
		}
	}
	return jsonResource(pendingURI, compactExecutions(pending))
}

func (s *Server) handleExecution(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseExecutionURI(uri)
	if err != nil {
		return nil, err
	}

	exec, ok := s.tracker.Get(id)
	if !ok && s.archive != nil {
		if archived, err := s.archive.GetExecution(ctx, id); err == nil {
			exec, ok = archived, true
		}
	}
	if !ok {
		return nil, fmt.Errorf("mcp: execution %s not found", id)
	}
	return jsonResource(uri, exec)
}

// parseExecutionURI extracts the correlation ID from kanshi://execution/{id}.
func parseExecutionURI(uri string) (string, error) {
	id, ok := strings.CutPrefix(uri, executionURIPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid execution URI: %s", uri)
	}
	if err := model.ValidateCorrelationID(id); err != nil {
		return "", fmt.Errorf("mcp: invalid execution URI %s: %w", uri, err)
	}
	return id, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
