// Package ratelimit admits inbound sessions against a fixed operations-per-interval budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/config"
)

// Store counts hits per key. Implementations must make the check-and-count atomic.
type Store interface {
	// Allow records one hit for key and reports whether it is within
	// operations per interval.
	Allow(ctx context.Context, key string, operations int, interval time.Duration) (bool, error)
}

// Limiter applies one budget to one key.
type Limiter struct {
	store      Store
	key        string
	operations int
	interval   time.Duration
	logger     *zap.Logger
}

// New creates a Limiter from the rate_limit section.
func New(store Store, cfg config.RateLimitConfig, logger *zap.Logger) (*Limiter, error) {
	if cfg.Operations <= 0 || cfg.Interval <= 0 {
		return nil, fmt.Errorf("rate limit needs positive operations and interval, got %d per %s",
			cfg.Operations, cfg.Interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	key := cfg.Key
	if key == "" {
		key = DefaultKey
	}
	return &Limiter{
		store:      store,
		key:        key,
		operations: cfg.Operations,
		interval:   cfg.Interval,
		logger:     logger.Named("ratelimit"),
	}, nil
}

// DefaultKey is the shared namespace every instance counts against.
const DefaultKey = "ekaya-broker:rate-limiter"

// Limit records one operation. It returns an error wrapping ErrTooManyRequests
// when the budget is spent, and the store's error when the count could not be taken.
func (l *Limiter) Limit(ctx context.Context) error {
	ok, err := l.store.Allow(ctx, l.key, l.operations, l.interval)
	if err != nil {
		return fmt.Errorf("rate limit store: %w", err)
	}
	if !ok {
		l.logger.Debug("Rate limit exceeded",
			zap.String("key", l.key),
			zap.Int("operations", l.operations),
			zap.Duration("interval", l.interval))
		return fmt.Errorf("%w: more than %d operations per %s", apperrors.ErrTooManyRequests, l.operations, l.interval)
	}
	return nil
}
