package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kanshi/internal/archive"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/tracker"
)

const (
	defaultWait    = 30 * time.Second
	defaultMaxWait = 5 * time.Minute
)

// HandleStartExecution handles POST /v1/executions.
func (h *Handlers) HandleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req model.StartExecutionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	exec, err := h.tracker.Start(tracker.StartRequest{
		CorrelationID: req.CorrelationID,
		Command:       req.Command,
		AgentTarget:   req.AgentTarget,
		OperationType: req.OperationType,
		ParentID:      req.ParentID,
		Timeout:       time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if errors.Is(err, tracker.ErrDuplicate) {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "correlation id already registered")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to start execution", err)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("kanshi.correlation_id", exec.CorrelationID),
		attribute.String("kanshi.agent", exec.AgentTarget),
	)
	writeJSON(w, r, http.StatusCreated, exec)
}

// HandleListExecutions handles GET /v1/executions. Results are newest first.
func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	f, err := queryFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	all := h.tracker.List()
	matched := make([]model.Execution, 0, len(all))
	for i := range all {
		if f.Matches(&all[i]) {
			matched = append(matched, all[i])
		}
	}
	slices.Reverse(matched)

	limit := f.EffectiveLimit()
	total := len(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	writeList(w, r, matched, total, limit, total > limit)
}

// HandleGetExecution handles GET /v1/executions/{id}. ?poll=true marks the
// execution as observed by a poller. Executions already evicted from memory
// are served from the archive when one is configured.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathCorrelationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var (
		exec  model.Execution
		found bool
	)
	if queryBool(r, "poll") {
		exec, found = h.tracker.RecordPollingDetection(id)
	} else {
		exec, found = h.tracker.Get(id)
	}
	if found {
		writeJSON(w, r, http.StatusOK, exec)
		return
	}

	if h.archive != nil {
		exec, err := h.archive.GetExecution(r.Context(), id)
		if err == nil {
			writeJSON(w, r, http.StatusOK, exec)
			return
		}
		if !errors.Is(err, archive.ErrNotFound) {
			h.writeInternalError(w, r, "failed to read archive", err)
			return
		}
	}
	writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "execution not found")
}

// HandleWaitExecution handles GET /v1/executions/{id}/wait. It blocks until
// the execution is terminal or ?timeout= elapses, then returns the current
// snapshot. A still-pending snapshot means the wait timed out.
func (h *Handlers) HandleWaitExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathCorrelationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	timeout, err := queryTimeout(r, defaultWait, h.maxWait)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Long polls outlive the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(timeout + 5*time.Second))

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	exec, err := h.tracker.Wait(ctx, id)
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, exec)
	case errors.Is(err, tracker.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "execution not found")
	case errors.Is(err, tracker.ErrEvicted):
		writeError(w, r, http.StatusGone, model.ErrCodeNotFound, "execution evicted before completion")
	case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		w.Header().Set("X-Kanshi-Wait", "timeout")
		writeJSON(w, r, http.StatusOK, exec)
	default:
		// Client went away.
	}
}

// HandleCompleteExecution handles POST /v1/executions/{id}/complete.
func (h *Handlers) HandleCompleteExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathCorrelationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.CompleteExecutionRequest
	if err := decodeOptionalJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	exec, found := h.tracker.Complete(id, req.Result)
	h.writeCallbackResult(w, r, exec, found)
}

// HandleFailExecution handles POST /v1/executions/{id}/fail.
func (h *Handlers) HandleFailExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathCorrelationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.FailExecutionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	exec, found := h.tracker.Fail(id, req.Error)
	h.writeCallbackResult(w, r, exec, found)
}

// HandleTerminateExecution handles POST /v1/executions/{id}/terminate.
func (h *Handlers) HandleTerminateExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathCorrelationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.TerminateExecutionRequest
	if err := decodeOptionalJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Reason) > model.MaxErrorLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason is too long")
		return
	}

	exec, found := h.tracker.Terminate(id, req.Reason)
	h.writeCallbackResult(w, r, exec, found)
}

// HandleAddLog handles POST /v1/executions/{id}/logs.
func (h *Handlers) HandleAddLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathCorrelationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.AddLogRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if !h.tracker.AddLog(id, req.Message) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "execution not found")
		return
	}
	exec, found := h.tracker.Get(id)
	h.writeCallbackResult(w, r, exec, found)
}

func (h *Handlers) writeCallbackResult(w http.ResponseWriter, r *http.Request, exec model.Execution, found bool) {
	if !found {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "execution not found")
		return
	}
	writeJSON(w, r, http.StatusOK, exec)
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	if r.ContentLength == 0 {
		return nil
	}
	err := decodeJSON(w, r, target, maxBytes)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
