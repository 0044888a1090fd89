package kanshi

import (
	"context"
	"net/http"

	"github.com/ashita-ai/kanshi/internal/clock"
)

// ExecutionHook receives async notifications when an execution reaches a
// terminal status. Multiple hooks may be registered via multiple
// WithExecutionHook calls.
// Hook methods run in goroutines and must not block indefinitely.
// Failures are logged and never affect the execution.
type ExecutionHook interface {
	OnExecutionFinished(ctx context.Context, exec Execution) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the middleware chain and OTEL instrumentation with the
// built-in routes. Called once during New() after the built-in routes.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler

// Clock is the time source behind execution deadlines. Tests pass a fake
// clock through WithClock to drive timeouts deterministically.
type Clock = clock.Clock

// Timer is a pending deadline created by Clock.AfterFunc.
type Timer = clock.Timer
