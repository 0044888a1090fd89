package kanshi

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	archiveURL      string
	agents          map[string]string
	logger          *slog.Logger
	version         string
	clock           Clock
	executionHooks  []ExecutionHook
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
}

// WithPort overrides the TCP port from config (KANSHI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithArchiveURL overrides the archive location from config (KANSHI_ARCHIVE_URL env var).
func WithArchiveURL(url string) Option {
	return func(o *resolvedOptions) { o.archiveURL = url }
}

// WithAgents replaces the agent registry from config (KANSHI_AGENTS env var).
// Keys are agent names, values are base URLs.
func WithAgents(agents map[string]string) Option {
	return func(o *resolvedOptions) { o.agents = agents }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithClock replaces the wall clock used for execution deadlines and
// callback rate limiting.
func WithClock(c Clock) Option {
	return func(o *resolvedOptions) { o.clock = c }
}

// WithExecutionHook registers a hook notified when executions finish.
// Multiple hooks may be registered; all registered hooks receive every event.
func WithExecutionHook(hook ExecutionHook) Option {
	return func(o *resolvedOptions) { o.executionHooks = append(o.executionHooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
