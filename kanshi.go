// Package kanshi is the public API for embedding the kanshi execution
// tracking hub.
//
// Consumers import this package to construct and extend the hub without
// forking it:
//
//	app, err := kanshi.New(
//	    kanshi.WithVersion(version),
//	    kanshi.WithLogger(logger),
//	    kanshi.WithExecutionHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph is one-way: kanshi (root) imports internal/*, but
// internal/* never imports kanshi (root). Public types (Execution, Status)
// are standalone structs; toPublicExecution lives here because this is the
// only file that sees both sides of the boundary.
package kanshi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kanshi/api"
	"github.com/ashita-ai/kanshi/internal/archive"
	"github.com/ashita-ai/kanshi/internal/config"
	"github.com/ashita-ai/kanshi/internal/dispatch"
	"github.com/ashita-ai/kanshi/internal/mcp"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/ratelimit"
	"github.com/ashita-ai/kanshi/internal/server"
	"github.com/ashita-ai/kanshi/internal/telemetry"
	"github.com/ashita-ai/kanshi/internal/tracker"
)

// hookTimeout bounds one round of ExecutionHook calls.
const hookTimeout = 10 * time.Second

// App is the kanshi hub lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	tracker      *tracker.Tracker
	store        archive.Store   // nil when archiving is disabled
	buf          *archive.Buffer // nil when archiving is disabled
	limiter      ratelimit.Limiter
	broker       *server.Broker
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	hooks        []ExecutionHook
	unsubscribe  func()
	logger       *slog.Logger
	version      string
}

// New initialises the hub. It loads configuration, opens the archive, wires
// all subsystems and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.archiveURL != "" {
		cfg.ArchiveURL = o.archiveURL
	}
	if o.agents != nil {
		cfg.Agents = o.agents
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kanshi starting", "version", version, "port", cfg.Port, "agents", len(cfg.Agents))

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		Version:        version,
		MetricInterval: cfg.OTELMetricInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	t := tracker.New(tracker.Options{
		DefaultTimeout: cfg.DefaultTimeout,
		ManagerTimeout: cfg.ManagerTimeout,
		RetentionCount: cfg.RetentionCount,
		Clock:          o.clock,
		Logger:         logger,
	})

	store, err := archive.Open(context.Background(), cfg.ArchiveURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("archive: %w", err)
	}
	var buf *archive.Buffer
	if store != nil {
		buf = archive.NewBuffer(store, logger, cfg.ArchiveBufferSize, time.Second)
		buf.Attach(t.Events())
		logger.Info("archive enabled", "backend", store.Backend())
	}

	var dispatcher *dispatch.Dispatcher
	if len(cfg.Agents) > 0 {
		dispatcher = dispatch.New(dispatch.Config{
			Agents:         cfg.Agents,
			CallbackURL:    cfg.CallbackURL,
			Concurrency:    cfg.DispatchConcurrency,
			Retries:        cfg.DispatchRetries,
			RequestTimeout: cfg.DispatchTimeout,
		}, t, logger)
		logger.Info("dispatch enabled", "agents", cfg.AgentNames())
	}

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		var limiterOpts []ratelimit.MemoryOption
		if o.clock != nil {
			limiterOpts = append(limiterOpts, ratelimit.WithClock(o.clock))
		}
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, limiterOpts...)
	}

	broker := server.NewBroker(t.Events(), logger)
	mcpSrv := mcp.New(t, dispatcher, store, logger, version)

	extraRoutes := make([]func(*http.ServeMux), 0, len(o.routeRegistrars))
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Tracker:             t,
		Logger:              logger,
		Dispatcher:          dispatcher,
		Archive:             store,
		Buffer:              buf,
		Limiter:             limiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	a := &App{
		cfg:          cfg,
		tracker:      t,
		store:        store,
		buf:          buf,
		limiter:      limiter,
		broker:       broker,
		srv:          srv,
		otelShutdown: otelShutdown,
		hooks:        o.executionHooks,
		unsubscribe:  func() {},
		logger:       logger,
		version:      version,
	}
	if len(a.hooks) > 0 {
		a.unsubscribe = t.Events().OnUpdate(a.fireHooks)
	}
	return a, nil
}

// Handler returns the root HTTP handler, for tests and for embedding the
// hub behind another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.buf != nil {
		a.buf.Start(ctx)
	}
	go a.broker.Start(ctx)
	go a.cleanupLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) flush pending snapshots to the archive.
// It then closes the archive, rate limiter and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kanshi shutting down")
	a.unsubscribe()

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: archive drain.
	if a.buf != nil {
		bufCtx, bufCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
		a.buf.Drain(bufCtx)
		bufCancel()
		if n := a.buf.Len(); n > 0 {
			a.logger.Error("archive drain incomplete, unflushed snapshots lost", "remaining", n)
		}
	}

	// Cleanup.
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("kanshi stopped")
	return nil
}

// cleanupLoop bounds the in-memory store. Evicted executions remain
// readable from the archive when one is configured.
func (a *App) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.tracker.Cleanup(a.cfg.RetentionCount); n > 0 {
				a.logger.Debug("execution cleanup", "evicted", n, "remaining", a.tracker.Len())
			}
		}
	}
}

// fireHooks notifies ExecutionHooks of transitions into a terminal status.
// Runs on the publishing goroutine, so the hooks themselves run detached.
func (a *App) fireHooks(ev model.ExecutionEvent) {
	if !ev.Execution.IsTerminal() || ev.PreviousStatus == ev.Execution.Status {
		return
	}
	exec := toPublicExecution(ev.Execution)
	hooks := a.hooks
	logger := a.logger
	go func() {
		hookCtx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		for _, h := range hooks {
			if err := h.OnExecutionFinished(hookCtx, exec); err != nil {
				logger.Warn("execution hook failed", "correlation_id", exec.CorrelationID, "error", err)
			}
		}
	}()
}

// toPublicExecution converts an internal model.Execution to the public
// kanshi.Execution.
func toPublicExecution(e model.Execution) Execution {
	return Execution{
		CorrelationID: e.CorrelationID,
		Command:       e.Command,
		AgentTarget:   e.AgentTarget,
		OperationType: e.OperationType,
		Status:        Status(e.Status),
		StartTime:     e.StartTime,
		EndTime:       e.EndTime,
		Result:        e.Result,
		Error:         e.Error,
		TimedOut:      e.TimedOut,
		ParentID:      e.ParentID,
		ChildIDs:      e.ChildIDs,
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
