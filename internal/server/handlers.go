package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kanshi/internal/archive"
	"github.com/ashita-ai/kanshi/internal/dispatch"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/tracker"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	tracker             *tracker.Tracker
	dispatcher          *dispatch.Dispatcher
	archive             archive.Store
	buffer              *archive.Buffer
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	maxWait             time.Duration
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Dispatcher, Archive, Buffer, Broker, OpenAPISpec.
type HandlersDeps struct {
	Tracker             *tracker.Tracker
	Dispatcher          *dispatch.Dispatcher
	Archive             archive.Store
	Buffer              *archive.Buffer
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	MaxWait             time.Duration
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxWait := d.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	return &Handlers{
		tracker:             d.Tracker,
		dispatcher:          d.Dispatcher,
		archive:             d.Archive,
		buffer:              d.Buffer,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		maxWait:             maxWait,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleSubscribe handles GET /v1/subscribe (SSE). ?id= limits the stream
// to one execution and its children.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "SSE not available")
		return
	}

	filter := r.URL.Query().Get("id")
	if filter != "" {
		if err := model.ValidateCorrelationID(filter); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Subscribe before the headers go out so a client that acts on the
	// 200 cannot miss the events it triggers.
	ch := h.broker.Subscribe(filter)
	defer h.broker.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	resp := model.HealthResponse{
		Version: h.version,
		Tracked: h.tracker.Len(),
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}

	if h.archive != nil {
		resp.Archive = "connected"
		if err := h.archive.Ping(r.Context()); err != nil {
			resp.Archive = "disconnected"
			// The tracker keeps working without the archive.
			status = "degraded"
		}
	}
	if h.buffer != nil && h.buffer.Dropped() > 0 {
		status = "degraded"
	}

	if h.broker != nil {
		resp.SSEBroker = "running"
		resp.Subscribers = h.broker.Len()
	}

	resp.Status = status
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeInternalError logs err and writes an opaque 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

func pathCorrelationID(r *http.Request) (string, error) {
	id := r.PathValue("id")
	if err := model.ValidateCorrelationID(id); err != nil {
		return "", fmt.Errorf("invalid correlation id: %w", err)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

// queryFilter reads the list filters shared by the live and archive listings.
func queryFilter(r *http.Request) (model.ExecutionFilter, error) {
	q := r.URL.Query()
	f := model.ExecutionFilter{
		Status:      model.ExecutionStatus(q.Get("status")),
		AgentTarget: q.Get("agent"),
		ParentID:    q.Get("parent"),
		Limit:       queryInt(r, "limit", 0),
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("invalid status %q", f.Status)
	}
	if f.Limit < 0 {
		return f, fmt.Errorf("limit must not be negative")
	}
	return f, nil
}

// queryTimeout parses ?timeout= as a Go duration or a number of
// milliseconds, clamped to maxWait.
func queryTimeout(r *http.Request, def, maxWait time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get("timeout")
	if v == "" {
		return min(def, maxWait), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		ms, convErr := strconv.ParseInt(v, 10, 64)
		if convErr != nil {
			return 0, fmt.Errorf("invalid timeout %q: expected a duration (30s) or milliseconds", v)
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive")
	}
	return min(d, maxWait), nil
}
