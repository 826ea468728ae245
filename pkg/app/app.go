// Package app assembles the broker's long-lived components and owns their lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-broker/pkg/broker"
	"github.com/ekaya-inc/ekaya-broker/pkg/config"
	"github.com/ekaya-inc/ekaya-broker/pkg/database"
	"github.com/ekaya-inc/ekaya-broker/pkg/handlers"
	"github.com/ekaya-inc/ekaya-broker/pkg/middleware"
	"github.com/ekaya-inc/ekaya-broker/pkg/pool"
	"github.com/ekaya-inc/ekaya-broker/pkg/ratelimit"
	"github.com/ekaya-inc/ekaya-broker/pkg/retry"
)

// eventBuffer bounds how many query events may wait for the log sink.
const eventBuffer = 1024

// App holds the process-wide components. It is built once in main and closed on shutdown.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *pool.Registry
	Redis    *redis.Client // nil when no redis host is configured
	Limiter  *ratelimit.Limiter

	// DB is the entry point for running queries against the default pool.
	// Embedders call it directly; no HTTP route exposes it.
	DB *broker.DB

	sink      *broker.AsyncSink
	closeOnce sync.Once
	closeErr  error
}

// New builds the registry, shared store, limiter and broker. Pools are not
// dialled until first use. Options are applied to every pool.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...pool.Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Redis:    redisClient,
		Registry: pool.NewRegistry(cfg, logger.Named("pool"), opts...),
	}

	if cfg.RateLimit.Enabled {
		store, err := a.limiterStore()
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		if a.Limiter, err = ratelimit.New(store, cfg.RateLimit, logger); err != nil {
			_ = a.Close()
			return nil, err
		}
		logger.Info("Rate limiter enabled",
			zap.String("store", cfg.RateLimitStore()),
			zap.Int("operations", cfg.RateLimit.Operations),
			zap.Duration("interval", cfg.RateLimit.Interval))
	}

	a.sink = broker.NewAsyncSink(broker.NewLogSink(logger, broker.DefaultSlowQueryThreshold), eventBuffer)
	a.DB = broker.New(a.Registry, cfg.DefaultPool, retry.NewPolicy(logger), a.sink, logger)

	return a, nil
}

func (a *App) limiterStore() (ratelimit.Store, error) {
	switch store := a.Config.RateLimitStore(); store {
	case "redis":
		if a.Redis == nil {
			return nil, fmt.Errorf("rate_limit store redis requires redis.host")
		}
		return ratelimit.NewRedisStore(a.Redis), nil
	case "memory":
		return ratelimit.NewMemoryStore(nil), nil
	default:
		return nil, fmt.Errorf("unknown rate_limit store %q", store)
	}
}

// Handler returns the HTTP surface: health, pool stats and rate-limited sessions.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	handlers.NewHealthHandler(a.Config, a.Registry, a.Logger).RegisterRoutes(mux)
	handlers.NewPoolsHandler(a.Registry, a.Logger).RegisterRoutes(mux)

	var limiter middleware.Limiter
	if a.Limiter != nil {
		limiter = a.Limiter
	}
	sessions := handlers.NewSessionHandler(a.Registry, a.Config.Session.StatsInterval, a.Logger)
	mux.Handle("GET /ws", middleware.RateLimit(limiter, a.Logger)(sessions))

	return middleware.RequestLogger(a.Logger)(database.WithScope(a.Logger)(mux))
}

// Close closes every pool, flushes pending query events and closes the redis client.
// This method is idempotent and safe to call multiple times.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.Registry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pools: %w", err))
		}
		if a.sink != nil {
			a.sink.Close()
			if dropped := a.sink.Dropped(); dropped > 0 {
				a.Logger.Warn("Query events dropped", zap.Int64("count", dropped))
			}
		}
		if a.Redis != nil {
			if err := a.Redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close redis: %w", err))
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
