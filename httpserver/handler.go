package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/vless-provisioning-backend/admission"
	"github.com/ruteri/vless-provisioning-backend/interfaces"
	"github.com/ruteri/vless-provisioning-backend/service"
)

// Operator is the subset of the provisioning service exposed over HTTP.
type Operator interface {
	Status() service.Status
	Reload(ctx context.Context) error
	Recheck(ctx context.Context, id string) (admission.Outcome, error)
	SetActive(ctx context.Context, id string, active bool) (interfaces.PersistedClient, error)
}

// RequestError provides structured error information for HTTP responses.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

// Handler serves the operator endpoints.
type Handler struct {
	operator Operator
	log      *slog.Logger
}

// NewHandler creates a handler serving the given operator.
func NewHandler(operator Operator, log *slog.Logger) *Handler {
	return &Handler{operator: operator, log: log}
}

// HandleEngineStatus returns the service status as JSON.
//
// URL format: GET /engine/status
func (h *Handler) HandleEngineStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.operator.Status())
}

// HandleEngineReload rewrites the engine config and restarts the engine.
//
// URL format: POST /engine/reload
func (h *Handler) HandleEngineReload(w http.ResponseWriter, r *http.Request) {
	if err := h.operator.Reload(r.Context()); err != nil {
		h.log.Error("Engine reload failed", "err", err)
		h.writeError(w, classify(err))
		return
	}
	h.writeJSON(w, http.StatusOK, h.operator.Status())
}

// HandleRecheck runs the admission check of a pending credential.
//
// URL format: POST /pending/{id}/recheck
func (h *Handler) HandleRecheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Err: errors.New("missing credential id")})
		return
	}

	outcome, err := h.operator.Recheck(r.Context(), id)
	if err != nil {
		h.log.Warn("Recheck rejected", "id", id, "err", err)
		h.writeError(w, classify(err))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":      id,
		"outcome": string(outcome),
	})
}

// HandleActivate puts a persisted client back into the engine.
//
// URL format: POST /clients/{id}/activate
func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// HandleDeactivate removes a persisted client from the engine but keeps its
// record.
//
// URL format: POST /clients/{id}/deactivate
func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := chi.URLParam(r, "id")
	client, err := h.operator.SetActive(r.Context(), id, active)
	if err != nil {
		h.log.Warn("Client activation change rejected", "id", id, "active", active, "err", err)
		h.writeError(w, classify(err))
		return
	}
	h.writeJSON(w, http.StatusOK, client)
}

func classify(err error) *RequestError {
	switch {
	case errors.Is(err, interfaces.ErrIllegalState), errors.Is(err, interfaces.ErrClientNotFound):
		return &RequestError{StatusCode: http.StatusNotFound, Err: err}
	case errors.Is(err, interfaces.ErrConfigValidation):
		return &RequestError{StatusCode: http.StatusBadRequest, Err: err}
	default:
		return &RequestError{StatusCode: http.StatusInternalServerError, Err: err}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, reqErr *RequestError) {
	h.writeJSON(w, reqErr.StatusCode, map[string]string{"error": reqErr.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
