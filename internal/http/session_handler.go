package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smarttrolley/trolley-service/internal/domain"
)

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req StartSessionRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TrolleyID == "" {
		respondError(w, http.StatusBadRequest, "invalid_trolley_id", "trolley_id is required")
		return
	}

	sess, err := h.core.StartSession(ctx, req.TrolleyID, req.UserID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, toSessionDTO(sess, domain.SessionStateActive))
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sess, state, err := h.core.SessionState(ctx, chi.URLParam(r, "session_id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, toSessionDTO(sess, state))
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sess, err := h.core.Heartbeat(ctx, chi.URLParam(r, "session_id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, toSessionDTO(sess, domain.SessionStateActive))
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sessionID := chi.URLParam(r, "session_id")
	if err := h.core.EndSession(ctx, sessionID); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"state":      string(domain.SessionStateEnded),
	})
}
