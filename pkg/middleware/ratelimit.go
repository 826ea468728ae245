package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/logging"
)

// Limiter admits or rejects one request.
type Limiter interface {
	Limit(ctx context.Context) error
}

// RateLimit rejects requests over the limiter's budget with 429. When the
// limiter's store cannot be reached the request is refused with 503.
// A nil limiter disables the check.
func RateLimit(limiter Limiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := limiter.Limit(r.Context())
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, apperrors.ErrTooManyRequests):
				writeError(w, http.StatusTooManyRequests, "too_many_requests", "WebSocket connection limit exceeded")
			default:
				LoggerFromContext(r.Context(), logger).Error("Rate limiter unavailable",
					zap.String("path", r.URL.Path),
					zap.String("error", logging.SanitizeError(err)))
				writeError(w, http.StatusServiceUnavailable, "rate_limit_unavailable", "Rate limiter unavailable")
			}
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
