package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/kanshi/internal/archive"
	"github.com/ashita-ai/kanshi/internal/model"
)

// HandleArchiveList handles GET /v1/archive/executions.
func (h *Handlers) HandleArchiveList(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "archive not configured")
		return
	}
	f, err := queryFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	limit := f.EffectiveLimit()
	// Fetch one extra row to report has_more without a count query.
	f.Limit = limit + 1
	execs, err := h.archive.RecentExecutions(r.Context(), f)
	if err != nil {
		h.writeInternalError(w, r, "failed to query archive", err)
		return
	}
	hasMore := len(execs) > limit
	if hasMore {
		execs = execs[:limit]
	}
	if execs == nil {
		execs = []model.Execution{}
	}
	writeList(w, r, execs, len(execs), limit, hasMore)
}

// HandleArchiveGet handles GET /v1/archive/executions/{id}.
func (h *Handlers) HandleArchiveGet(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "archive not configured")
		return
	}
	id, err := pathCorrelationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	exec, err := h.archive.GetExecution(r.Context(), id)
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "execution not archived")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to read archive", err)
		return
	}
	writeJSON(w, r, http.StatusOK, exec)
}
