package database

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	// ConnectionScopeKey is the context key for storing the connection scope.
	ConnectionScopeKey contextKey = "connectionScope"
)

// GetConnectionScope retrieves the connection scope from context.
// Returns nil and false if not present.
func GetConnectionScope(ctx context.Context) (*ConnectionScope, bool) {
	scope, ok := ctx.Value(ConnectionScopeKey).(*ConnectionScope)
	return scope, ok
}

// SetConnectionScope stores the connection scope in context.
func SetConnectionScope(ctx context.Context, scope *ConnectionScope) context.Context {
	return context.WithValue(ctx, ConnectionScopeKey, scope)
}

// WithConnectionScope returns a context carrying a new scope and the cleanup
// function that releases it. If ctx already carries a scope it is reused and
// the cleanup function is a no-op, so only the outermost owner releases.
func WithConnectionScope(ctx context.Context, logger *zap.Logger) (context.Context, func()) {
	if _, ok := GetConnectionScope(ctx); ok {
		return ctx, func() {}
	}
	scope := NewConnectionScope(logger)
	return SetConnectionScope(ctx, scope), scope.Close
}
