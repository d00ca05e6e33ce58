package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/service"
)

func (h *Handler) ViewCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cart, err := h.core.ViewCart(ctx, chi.URLParam(r, "session_id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, toCartDTO(cart))
}

// AddItem is the scan from the shopper's phone, addressed by session.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req ScanRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Barcode == "" {
		respondError(w, http.StatusBadRequest, "invalid_barcode", "barcode is required")
		return
	}

	res, err := h.core.AddBySession(ctx, chi.URLParam(r, "session_id"), req.Barcode)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondMutation(w, res)
}

// ScanByTrolley is the scan from the trolley-mounted scanner, which only knows its trolley id.
func (h *Handler) ScanByTrolley(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req ScanRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Barcode == "" {
		respondError(w, http.StatusBadRequest, "invalid_barcode", "barcode is required")
		return
	}

	res, err := h.core.AddByTrolley(ctx, chi.URLParam(r, "trolley_id"), req.Barcode)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondMutation(w, res)
}

func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.core.Remove(ctx, chi.URLParam(r, "session_id"), chi.URLParam(r, "barcode"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondMutation(w, res)
}

func respondMutation(w http.ResponseWriter, res *service.CartResult) {
	status := http.StatusOK
	if res.Action == domain.CartActionAdded {
		status = http.StatusCreated
	}
	respondJSON(w, status, toCartMutationDTO(res))
}
