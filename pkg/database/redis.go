package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-broker/pkg/config"
	"github.com/ekaya-inc/ekaya-broker/pkg/retry"
)

// Redis client pool sizing. Mirrors the database pool defaults.
const (
	redisMinIdleConns    = 1
	redisPoolSize        = 10
	redisDialTimeout     = 10 * time.Second
	redisPoolTimeout     = 3 * time.Second
	redisConnMaxIdleTime = 60 * time.Second
)

// NewRedisClient creates a new Redis client with the given configuration.
// Returns nil if Redis is not configured (host is empty). The startup ping is
// retried with backoff so a broker started alongside Redis does not fail fast.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if cfg.Host == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr(),
		Password:        cfg.Password,
		DB:              cfg.DB,
		MinIdleConns:    redisMinIdleConns,
		PoolSize:        redisPoolSize,
		DialTimeout:     redisDialTimeout,
		PoolTimeout:     redisPoolTimeout,
		ConnMaxIdleTime: redisConnMaxIdleTime,
	})

	err := retry.DoIfRetryable(ctx, retry.DefaultConfig(), func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Addr()), zap.Int("db", cfg.DB))
	return client, nil
}
