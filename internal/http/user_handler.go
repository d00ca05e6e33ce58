package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req SignupRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.core.Signup(ctx, req.Name, req.Phone, req.Email)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	user, err := h.core.GetUser(ctx, chi.URLParam(r, "user_id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, user)
}
