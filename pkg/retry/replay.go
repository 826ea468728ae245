package retry

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-broker/pkg/logging"
)

// Reconnectable is what Replay needs from a pooled connection.
type Reconnectable interface {
	// TransactionDepth is 0 outside a transaction.
	TransactionDepth() int
	// Reconnect replaces the session in place and reports whether it succeeded.
	Reconnect(ctx context.Context) bool
}

// Policy replays an operation once after its connection was lost.
// Unlike DoIfRetryable it never backs off and never retries more than once.
type Policy struct {
	logger *zap.Logger
}

// NewPolicy creates a replay policy. A nil logger disables logging.
func NewPolicy(logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{logger: logger.Named("retry")}
}

// Replay runs fn against conn. When fn fails because the session was lost and
// conn was not inside a transaction, conn is reconnected and fn runs exactly once
// more; that second outcome is returned unchanged. Every other failure is returned
// as-is, including lost connections inside a transaction, whose work cannot be replayed.
// The depth is sampled before fn runs, since a failed Commit or Rollback still
// closes its level.
func Replay[T any](ctx context.Context, p *Policy, conn Reconnectable, fn func() (T, error)) (T, error) {
	if p == nil {
		p = NewPolicy(nil)
	}

	depth := conn.TransactionDepth()

	result, err := fn()
	if err == nil {
		return result, nil
	}

	if after := conn.TransactionDepth(); after > depth {
		depth = after
	}
	if depth > 0 {
		if CausedByLostConnection(err) {
			p.logger.Warn("Lost connection inside a transaction, not replaying",
				zap.Int("transaction_depth", depth),
				zap.String("error", logging.SanitizeError(err)))
		}
		return result, err
	}

	if !CausedByLostConnection(err) {
		return result, err
	}

	if !conn.Reconnect(ctx) {
		p.logger.Warn("Reconnect failed, not replaying",
			zap.String("error", logging.SanitizeError(err)))
		return result, err
	}

	p.logger.Debug("Replaying operation on reconnected session",
		zap.String("cause", logging.SanitizeError(err)))

	result, err = fn()
	if err != nil {
		p.logger.Error("Replay after reconnect failed",
			zap.String("error", logging.SanitizeError(err)))
	}
	return result, err
}
