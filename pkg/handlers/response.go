package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// ErrorStatus maps a broker error to its HTTP status and error code.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrConfigMissing):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrTooManyRequests):
		return http.StatusTooManyRequests, "too_many_requests"
	case errors.Is(err, apperrors.ErrPoolExhausted),
		errors.Is(err, apperrors.ErrConnectTimeout),
		errors.Is(err, apperrors.ErrPoolClosed):
		return http.StatusServiceUnavailable, "pool_unavailable"
	case errors.Is(err, apperrors.ErrNoConnectionScope),
		errors.Is(err, apperrors.ErrNoActiveTransaction),
		errors.Is(err, apperrors.ErrAlreadyBound),
		errors.Is(err, apperrors.ErrScopeClosed):
		return http.StatusConflict, "transaction_state"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// WriteError writes err using the status and code from ErrorStatus.
func WriteError(w http.ResponseWriter, err error) error {
	status, code := ErrorStatus(err)
	return ErrorResponse(w, status, code, err.Error())
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}
