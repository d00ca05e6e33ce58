package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, err := h.core.CreatePayment(ctx, chi.URLParam(r, "session_id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, toPaymentDTO(p))
}

func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, err := h.core.ConfirmPayment(ctx, chi.URLParam(r, "session_id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, toPaymentDTO(p))
}

func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	view, err := h.core.PaymentStatus(ctx, chi.URLParam(r, "session_id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, toPaymentStatusDTO(view))
}

func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	if h.receipts == nil {
		respondError(w, http.StatusServiceUnavailable, "receipts_unavailable", "receipts are not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.receipts.GetBySessionID(ctx, chi.URLParam(r, "session_id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, rec)
}
