// Package mcp exposes the execution tracker over the Model Context Protocol.
//
// MCP-capable agents can list and inspect executions, block until one
// finishes and dispatch new commands through the same tracker that backs
// the HTTP API.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kanshi/internal/archive"
	"github.com/ashita-ai/kanshi/internal/dispatch"
	"github.com/ashita-ai/kanshi/internal/tracker"
)

// Server wraps the MCP server with kanshi's tracker and dispatcher.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	tracker    *tracker.Tracker
	dispatcher *dispatch.Dispatcher
	archive    archive.Store
	logger     *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts. dispatcher and store may be nil.
func New(t *tracker.Tracker, dispatcher *dispatch.Dispatcher, store archive.Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		tracker:    t,
		dispatcher: dispatcher,
		archive:    store,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kanshi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
