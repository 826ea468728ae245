package database

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/pool"
)

// ConnectionScope pins pooled connections to one logical execution context,
// at most one per pool name. A connection is bound while a transaction is
// open on it so every statement of the transaction uses the same session.
type ConnectionScope struct {
	id     uuid.UUID
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[string]*pool.Connection
	closed bool
}

// NewConnectionScope creates an empty scope.
// The returned ConnectionScope MUST be closed with defer scope.Close().
func NewConnectionScope(logger *zap.Logger) *ConnectionScope {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionScope{
		id:     uuid.New(),
		logger: logger,
		conns:  make(map[string]*pool.Connection),
	}
}

// ID identifies the scope in logs.
func (s *ConnectionScope) ID() uuid.UUID {
	return s.id
}

// Get returns the connection bound for poolName, if any.
func (s *ConnectionScope) Get(poolName string) (*pool.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[poolName]
	return conn, ok
}

// Bind pins conn for poolName. It never replaces an existing binding: when the
// name is taken it returns ErrAlreadyBound, and on a closed scope ErrScopeClosed.
// On error the caller still owns conn.
func (s *ConnectionScope) Bind(poolName string, conn *pool.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return apperrors.ErrScopeClosed
	}
	if _, ok := s.conns[poolName]; ok {
		return apperrors.ErrAlreadyBound
	}
	s.conns[poolName] = conn
	return nil
}

// Unbind forgets the connection for poolName without releasing it.
func (s *ConnectionScope) Unbind(poolName string) {
	s.mu.Lock()
	delete(s.conns, poolName)
	s.mu.Unlock()
}

// Close releases every connection still bound. A connection left inside a
// transaction is rolled back by its pool, never committed.
// This method is idempotent and safe to call multiple times.
func (s *ConnectionScope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for name, conn := range conns {
		if depth := conn.TransactionDepth(); depth > 0 {
			s.logger.Warn("Scope ended with an open transaction",
				zap.String("scope_id", s.id.String()),
				zap.String("pool", name),
				zap.Int("transaction_depth", depth))
		}
		conn.Release()
	}
}
