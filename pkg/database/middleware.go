package database

import (
	"net/http"

	"go.uber.org/zap"
)

// WithScope creates middleware that gives every request its own connection scope.
// Connections pinned by transactions during the request are released after the handler returns.
func WithScope(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, release := WithConnectionScope(r.Context(), logger)
			defer release()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
