package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/smarttrolley/trolley-service/internal/domain"
	"github.com/smarttrolley/trolley-service/internal/receipt"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorMappings is checked in order; the first errors.Is match wins.
var errorMappings = []errorMapping{
	{domain.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{domain.ErrTrolleyNotFound, http.StatusNotFound, "trolley_not_found"},
	{domain.ErrTrolleyInactive, http.StatusBadRequest, "trolley_inactive"},
	{domain.ErrTrolleyBusy, http.StatusConflict, "trolley_busy"},
	{domain.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{domain.ErrSessionInactive, http.StatusGone, "session_inactive"},
	{domain.ErrSessionExpired, http.StatusGone, "session_expired"},
	{domain.ErrProductNotFound, http.StatusNotFound, "product_not_found"},
	{domain.ErrProductInactive, http.StatusBadRequest, "product_inactive"},
	{domain.ErrItemNotFound, http.StatusNotFound, "item_not_found"},
	{domain.ErrCartEmpty, http.StatusUnprocessableEntity, "cart_empty"},
	{domain.ErrNoPayment, http.StatusNotFound, "payment_not_found"},
	{domain.ErrAlreadyPaid, http.StatusConflict, "already_paid"},
	{domain.ErrIllegalTransition, http.StatusConflict, "illegal_transition"},
	{domain.ErrUserNotFound, http.StatusNotFound, "user_not_found"},
	{domain.ErrUserExists, http.StatusConflict, "user_exists"},
	{domain.ErrBusy, http.StatusServiceUnavailable, "busy"},
	{receipt.ErrReceiptNotFound, http.StatusNotFound, "receipt_not_found"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", slog.Any("error", err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// handleServiceError converts a core error to its HTTP status. Anything
// unmapped is logged and hidden behind a 500.
func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			respondError(w, m.status, m.code, err.Error())
			return
		}
	}
	h.logger.ErrorContext(r.Context(), "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err))
	respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	return true
}
