package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kanshi/internal/archive"
	"github.com/ashita-ai/kanshi/internal/dispatch"
	"github.com/ashita-ai/kanshi/internal/ratelimit"
	"github.com/ashita-ai/kanshi/internal/tracker"
)

// Server is the kanshi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Dispatcher, Archive, Buffer, Limiter, Broker,
// MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Tracker *tracker.Tracker
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Dispatcher *dispatch.Dispatcher
	Archive    archive.Store
	Buffer     *archive.Buffer
	Limiter    ratelimit.Limiter
	Broker     *Broker
	MCPServer  *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// MaxWait caps ?timeout= on the wait endpoint.
	MaxWait time.Duration

	OpenAPISpec []byte

	// ExtraRoutes run after the built-in routes are registered.
	ExtraRoutes []func(mux *http.ServeMux)

	// Middlewares wrap the whole handler; the first entry is outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Tracker:             cfg.Tracker,
		Dispatcher:          cfg.Dispatcher,
		Archive:             cfg.Archive,
		Buffer:              cfg.Buffer,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxWait:             cfg.MaxWait,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Agent callbacks are limited per agent; reads are not limited.
	callbackRL := ratelimit.Middleware(ratelimit.MiddlewareConfig{
		Limiter: cfg.Limiter,
		Key:     ratelimit.AgentKeyFunc,
		RequestID: func(r *http.Request) string {
			return RequestIDFromContext(r.Context())
		},
		Logger: cfg.Logger,
	})

	mux := http.NewServeMux()

	// Execution lifecycle.
	mux.HandleFunc("POST /v1/executions", h.HandleStartExecution)
	mux.HandleFunc("GET /v1/executions", h.HandleListExecutions)
	mux.HandleFunc("GET /v1/executions/{id}", h.HandleGetExecution)
	mux.HandleFunc("GET /v1/executions/{id}/wait", h.HandleWaitExecution)

	// Agent callbacks (rate limited per agent).
	mux.Handle("POST /v1/executions/{id}/complete", callbackRL(http.HandlerFunc(h.HandleCompleteExecution)))
	mux.Handle("POST /v1/executions/{id}/fail", callbackRL(http.HandlerFunc(h.HandleFailExecution)))
	mux.Handle("POST /v1/executions/{id}/terminate", callbackRL(http.HandlerFunc(h.HandleTerminateExecution)))
	mux.Handle("POST /v1/executions/{id}/logs", callbackRL(http.HandlerFunc(h.HandleAddLog)))

	// Command dispatch.
	mux.HandleFunc("POST /v1/dispatch", h.HandleDispatch)
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)

	// History beyond the in-memory retention window.
	mux.HandleFunc("GET /v1/archive/executions", h.HandleArchiveList)
	mux.HandleFunc("GET /v1/archive/executions/{id}", h.HandleArchiveGet)

	// Subscription endpoint (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
