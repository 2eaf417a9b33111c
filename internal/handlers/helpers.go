package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/tokenbid/backend/internal/middleware"
	"github.com/tokenbid/backend/internal/services"
)

// decodeRequest reads a single JSON object into dst with the usual
// hardening: body cap, unknown fields rejected, trailing data rejected.
// Writes the error response itself; callers bail on false.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// requireUser pulls the authenticated user from the context, rejecting
// the request when the auth middleware did not run.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// sendServiceError maps domain errors onto HTTP statuses.
func sendServiceError(w http.ResponseWriter, err error) {
	var rl *services.RateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(services.ErrorResponse{
			Error:      rl.Error(),
			RetryAfter: rl.RetryAfterSeconds,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrForbidden),
		errors.Is(err, services.ErrSelfBidForbidden):
		status = http.StatusForbidden
	case errors.Is(err, services.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrBidTooLow):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrAuctionNotActive),
		errors.Is(err, services.ErrAuctionEnded),
		errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrRetractionWindowClosed),
		errors.Is(err, services.ErrInsufficientFunds),
		errors.Is(err, services.ErrInsufficientLockedFunds),
		errors.Is(err, services.ErrDuplicateEvent):
		status = http.StatusConflict
	}
	services.SendErrorResponse(w, err.Error(), status, nil)
}
