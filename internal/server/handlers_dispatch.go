package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/ashita-ai/kanshi/internal/dispatch"
	"github.com/ashita-ai/kanshi/internal/model"
)

// HandleDispatch handles POST /v1/dispatch. It returns once every agent has
// accepted, answered or exhausted its retries; executions accepted
// asynchronously are still pending in the response.
func (h *Handlers) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "no agents configured")
		return
	}

	var req model.DispatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	res, err := h.dispatcher.Dispatch(r.Context(), dispatch.Request{
		Command:       req.Command,
		OperationType: req.OperationType,
		Targets:       req.Targets,
		Args:          req.Args,
		Timeout:       time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	switch {
	case errors.Is(err, dispatch.ErrUnknownAgent), errors.Is(err, dispatch.ErrNoTargets):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	case err != nil:
		h.writeInternalError(w, r, "dispatch failed", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.DispatchResponse{
		Execution: res.Execution,
		Children:  res.Children,
	})
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := []model.AgentInfo{}
	if h.dispatcher != nil {
		agents = h.dispatcher.Agents()
	}
	writeJSON(w, r, http.StatusOK, agents)
}
