package apperrors

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// Pool and registry failures.
	ErrPoolExhausted  = errors.New("connection pool exhausted")
	ErrConnectTimeout = errors.New("connection failed health probe")
	ErrPoolClosed     = errors.New("connection pool is closed")
	ErrConfigMissing  = errors.New("pool configuration missing")
	ErrDriverNotFound = errors.New("driver not found")
	ErrInvalidConfig  = errors.New("invalid pool configuration")

	// Broker failures.
	ErrLostConnection      = errors.New("lost connection")
	ErrNoConnectionScope   = errors.New("transactional call requires a connection scope")
	ErrNoActiveTransaction = errors.New("no active transaction")
	ErrAlreadyBound        = errors.New("scope already holds a connection for this pool")
	ErrScopeClosed         = errors.New("connection scope is closed")

	// Admission control.
	ErrTooManyRequests = errors.New("too many requests")
)
