package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/config"
)

// ConfigSource resolves named pool sections. *config.Config implements it.
type ConfigSource interface {
	PoolConfig(name string) (config.PoolConfig, bool)
}

// Registry lazily constructs one Pool per configured name and caches it for
// the life of the process. Lookups of constructed names take no lock.
type Registry struct {
	source ConfigSource
	logger *zap.Logger
	opts   []Option

	pools sync.Map // name -> *Pool
	group singleflight.Group

	mu     sync.Mutex // guards closed against concurrent construction
	closed bool
}

// NewRegistry creates an empty registry. opts are applied to every pool it builds.
func NewRegistry(source ConfigSource, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		source: source,
		logger: logger,
		opts:   opts,
	}
}

// GetPool returns the pool for name, constructing it on first use. Concurrent
// first calls for the same name share a single construction.
func (r *Registry) GetPool(ctx context.Context, name string) (*Pool, error) {
	if p, ok := r.pools.Load(name); ok {
		return p.(*Pool), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		if p, ok := r.pools.Load(name); ok {
			return p, nil
		}
		return r.build(name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pool), nil
}

func (r *Registry) build(name string) (*Pool, error) {
	cfg, ok := r.source.PoolConfig(name)
	if !ok {
		return nil, fmt.Errorf("%w: no db.%s section", apperrors.ErrConfigMissing, name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}

	factory, err := datasource.ResolveFactory(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("pool %q: %w", name, err)
	}
	dialer, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("pool %q: %w", name, err)
	}

	p, err := New(cfg, dialer, r.logger, r.opts...)
	if err != nil {
		_ = dialer.Close()
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = p.Close()
		return nil, apperrors.ErrPoolClosed
	}
	r.pools.Store(name, p)
	r.mu.Unlock()

	r.logger.Info("Created connection pool",
		zap.String("pool", name),
		zap.String("driver", dialer.GetType()),
		zap.Int("min_connections", cfg.Pool.MinConnections),
		zap.Int("max_connections", cfg.Pool.MaxConnections))
	return p, nil
}

// Pools returns the constructed pools sorted by name.
func (r *Registry) Pools() []*Pool {
	var pools []*Pool
	r.pools.Range(func(_, v any) bool {
		pools = append(pools, v.(*Pool))
		return true
	})
	sort.Slice(pools, func(i, j int) bool { return pools[i].name < pools[j].name })
	return pools
}

// Len returns how many pools have been constructed.
func (r *Registry) Len() int {
	n := 0
	r.pools.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns a snapshot of every constructed pool.
func (r *Registry) Stats() []Stats {
	pools := r.Pools()
	stats := make([]Stats, len(pools))
	for i, p := range pools {
		stats[i] = p.Stats()
	}
	return stats
}

// Close closes every pool. Later GetPool calls for unbuilt names fail with ErrPoolClosed.
// This method is idempotent and safe to call multiple times.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var firstErr error
	for _, p := range r.Pools() {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.logger.Info("Pool registry closed")
	return firstErr
}
