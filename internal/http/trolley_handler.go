package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) ListTrolleys(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	trolleys, err := h.core.ListTrolleys(ctx)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"trolleys": trolleys,
		"count":    len(trolleys),
	})
}

func (h *Handler) GetTrolley(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	t, err := h.core.GetTrolley(ctx, chi.URLParam(r, "trolley_id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) TrolleyQR(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	trolleyID := chi.URLParam(r, "trolley_id")
	url, err := h.core.TrolleyQR(ctx, trolleyID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, QRResponseDTO{TrolleyID: trolleyID, URL: url})
}

func (h *Handler) SetTrolleyActive(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req SetActiveRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Active == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "active is required")
		return
	}

	t, err := h.core.SetTrolleyActive(ctx, chi.URLParam(r, "trolley_id"), *req.Active)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, t)
}
