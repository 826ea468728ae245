package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/config"
	"github.com/ekaya-inc/ekaya-broker/pkg/logging"
)

// releaseTimeout bounds the rollback issued when a connection comes back inside a transaction.
const releaseTimeout = 5 * time.Second

// Option customises a Pool.
type Option func(*Pool)

// WithClock replaces time.Now. Used by tests to drive idle expiry and the frequency heuristic.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithoutSweeper disables the background idle sweep. Sweep can still be called directly.
func WithoutSweeper() Option {
	return func(p *Pool) { p.sweepEvery = 0 }
}

// waiter receives either a connection or nil, meaning a slot opened up and the
// waiter should try to create a connection itself. Buffered so grants never block.
type waiter chan *Connection

// Pool is a bounded set of sessions to one database endpoint.
// Connections are created lazily; the sweeper never shrinks the pool below min_connections.
type Pool struct {
	name       string
	driver     string
	opts       config.PoolOptions
	dialer     datasource.Dialer
	logger     *zap.Logger
	now        func() time.Time
	sweepEvery time.Duration

	mu      sync.Mutex
	free    []*Connection // oldest idle first
	open    int           // live connections plus slots being dialled
	inUse   int
	waiters []waiter
	closed  bool
	freq    *frequency
	stats   counters

	// exhaustedLog throttles the exhaustion warning under sustained overload.
	exhaustedLog rate.Sometimes

	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

type counters struct {
	checkouts    int64
	waitCount    int64
	waitDuration time.Duration
	exhausted    int64
	created      int64
	destroyed    int64
	reconnects   int64
}

// New creates a pool for cfg using dialer. cfg must already have defaults applied.
// Starts a background sweep goroutine that runs until Close() is called.
func New(cfg config.PoolConfig, dialer datasource.Dialer, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:       cfg.Name,
		driver:     dialer.GetType(),
		opts:       cfg.Pool,
		dialer:     dialer,
		logger:     logger.Named("pool").With(zap.String("pool", cfg.Name)),
		now:        time.Now,
		sweepEvery: cfg.SweepInterval(),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),

		exhaustedLog: rate.Sometimes{First: 1, Interval: time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.freq = newFrequency(p.now)

	if p.sweepEvery > 0 {
		go p.sweepLoop()
	} else {
		close(p.doneChan)
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Checkout leases a connection. It blocks only the caller, for at most
// wait_timeout or until ctx ends. Returns ErrPoolExhausted when the wait
// times out, the ctx error when ctx is cancelled, and ErrConnectTimeout when
// a new session cannot be dialled or fails its health probe.
func (p *Pool) Checkout(ctx context.Context) (*Connection, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.opts.WaitTimeout)
	defer cancel()

	start := p.now()
	waited := false

	p.mu.Lock()
	p.freq.hit()
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, apperrors.ErrPoolClosed
		}

		if n := len(p.free); n > 0 {
			conn := p.free[n-1]
			p.free = p.free[:n-1]
			p.lease(conn)
			p.mu.Unlock()

			if p.revalidate(ctx, conn) {
				p.recordWait(waited, start)
				return conn, nil
			}
			continue
		}

		if p.open < p.opts.MaxConnections {
			p.open++
			p.inUse++
			p.mu.Unlock()

			conn, err := p.create(ctx)
			if err != nil {
				p.mu.Lock()
				p.open--
				p.inUse--
				p.signalSlotLocked()
				p.mu.Unlock()
				return nil, err
			}

			p.mu.Lock()
			p.stats.checkouts++
			p.mu.Unlock()
			p.recordWait(waited, start)
			return conn, nil
		}

		w := make(waiter, 1)
		p.waiters = append(p.waiters, w)
		if !waited {
			waited = true
			p.stats.waitCount++
		}
		p.mu.Unlock()

		select {
		case conn := <-w:
			if conn == nil {
				continue
			}
			p.recordWait(waited, start)
			return conn, nil

		case <-waitCtx.Done():
			p.mu.Lock()
			removed := p.removeWaiterLocked(w)
			p.mu.Unlock()

			if !removed {
				// A grant raced the timeout: put it back rather than leak it.
				if conn := <-w; conn != nil {
					p.Release(conn)
				} else {
					p.mu.Lock()
					p.signalSlotLocked()
					p.mu.Unlock()
				}
			}

			p.recordWait(waited, start)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p.mu.Lock()
			p.stats.exhausted++
			exhausted := p.stats.exhausted
			p.mu.Unlock()
			p.exhaustedLog.Do(func() {
				p.logger.Warn("Connection pool exhausted",
					zap.Int("max_connections", p.opts.MaxConnections),
					zap.Duration("wait_timeout", p.opts.WaitTimeout),
					zap.Int64("exhausted_total", exhausted))
			})
			return nil, fmt.Errorf("%w: pool %q, waited %s", apperrors.ErrPoolExhausted, p.name, p.opts.WaitTimeout)
		}
	}
}

// lease marks conn checked out. Caller must hold p.mu.
func (p *Pool) lease(conn *Connection) {
	conn.state = stateInUse
	p.inUse++
	p.stats.checkouts++
}

// revalidate probes a reused connection that sat idle longer than max_idle_time.
// A failing probe triggers an in-place reconnect; if that fails too the
// connection is destroyed and false is returned.
func (p *Pool) revalidate(ctx context.Context, conn *Connection) bool {
	if p.now().Sub(conn.lastUsed) <= p.opts.MaxIdleTime {
		return true
	}

	if err := p.probe(ctx, conn.session); err == nil {
		return true
	}
	if p.Reconnect(ctx, conn) {
		return true
	}

	p.mu.Lock()
	p.inUse--
	p.destroyLocked(conn)
	p.mu.Unlock()
	conn.closeSession()
	return false
}

// create dials a new session into a slot the caller already reserved.
func (p *Pool) create(ctx context.Context) (*Connection, error) {
	session, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	now := p.now()
	conn := &Connection{
		id:        uuid.New(),
		pool:      p,
		session:   session,
		createdAt: now,
		lastUsed:  now,
		state:     stateInUse,
	}

	p.mu.Lock()
	p.stats.created++
	open := p.open
	p.mu.Unlock()

	p.logger.Debug("Connection created",
		zap.String("connection_id", conn.id.String()),
		zap.Int("open", open))
	return conn, nil
}

// dial opens a session bounded by connect_timeout and runs the health probe on it.
func (p *Pool) dial(ctx context.Context) (datasource.Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()

	session, err := p.dialer.Dial(dialCtx)
	if err != nil {
		p.logger.Warn("Failed to dial session", zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("%w: pool %q: %w", apperrors.ErrConnectTimeout, p.name, err)
	}

	if err := session.Ping(dialCtx); err != nil {
		_ = session.Close()
		p.logger.Warn("New session failed health probe", zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("%w: pool %q: %w", apperrors.ErrConnectTimeout, p.name, err)
	}
	return session, nil
}

func (p *Pool) probe(ctx context.Context, session datasource.Session) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	defer cancel()
	return session.Ping(probeCtx)
}

// Reconnect closes conn's session and dials a replacement in place, keeping
// the connection id. Transaction depth resets to 0. Returns false when the
// endpoint cannot be reached; conn is then left broken and is destroyed on release.
func (p *Pool) Reconnect(ctx context.Context, conn *Connection) bool {
	conn.closeSession()
	conn.txDepth = 0

	session, err := p.dial(ctx)
	if err != nil {
		conn.broken = true
		p.logger.Warn("Reconnect failed",
			zap.String("connection_id", conn.id.String()),
			zap.String("error", logging.SanitizeError(err)))
		return false
	}

	conn.session = session
	conn.broken = false

	p.mu.Lock()
	p.stats.reconnects++
	conn.lastUsed = p.now()
	p.mu.Unlock()

	p.logger.Info("Connection reconnected", zap.String("connection_id", conn.id.String()))
	return true
}

// Release returns conn to the pool. An open transaction is rolled back, never
// committed. A broken session is destroyed. Releasing twice is a no-op.
func (p *Pool) Release(conn *Connection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if conn.state != stateInUse {
		p.mu.Unlock()
		p.logger.Debug("Ignoring release of connection that is not checked out",
			zap.String("connection_id", conn.id.String()))
		return
	}
	conn.state = stateProbing
	p.mu.Unlock()

	if depth := conn.txDepth; depth > 0 {
		p.logger.Warn("TransactionIntegrityWarning: connection released inside a transaction, rolling back",
			zap.String("connection_id", conn.id.String()),
			zap.Int("transaction_depth", depth))

		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		err := conn.rollbackAll(ctx)
		cancel()
		if err != nil {
			conn.broken = true
			p.logger.Warn("Rollback on release failed",
				zap.String("connection_id", conn.id.String()),
				zap.String("error", logging.SanitizeError(err)))
		}
	}

	p.mu.Lock()
	p.inUse--
	if conn.broken || p.closed {
		p.destroyLocked(conn)
		p.mu.Unlock()
		conn.closeSession()
		return
	}
	conn.lastUsed = p.now()
	p.returnIdleLocked(conn)

	var flushed []*Connection
	if p.freq.isLow() {
		flushed = p.flushLocked()
	}
	p.mu.Unlock()

	for _, c := range flushed {
		c.closeSession()
	}
	if len(flushed) > 0 {
		p.logger.Debug("Low checkout frequency, flushed idle connections", zap.Int("count", len(flushed)))
	}
}

// returnIdleLocked hands conn to the first waiter or parks it on the free list.
// Caller must hold p.mu.
func (p *Pool) returnIdleLocked(conn *Connection) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.lease(conn)
		w <- conn
		return
	}
	conn.state = stateIdle
	p.free = append(p.free, conn)
}

// destroyLocked forgets conn and lets a waiter use its slot. Caller must hold p.mu
// and close the session after unlocking.
func (p *Pool) destroyLocked(conn *Connection) {
	conn.state = stateClosed
	p.open--
	p.stats.destroyed++
	p.signalSlotLocked()
}

// signalSlotLocked wakes one waiter to create a connection if there is room.
func (p *Pool) signalSlotLocked() {
	if p.closed || len(p.waiters) == 0 || p.open >= p.opts.MaxConnections {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w <- nil
}

func (p *Pool) removeWaiterLocked(w waiter) bool {
	for i, candidate := range p.waiters {
		if candidate == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// flushLocked removes idle connections, oldest first, down to min_connections.
func (p *Pool) flushLocked() []*Connection {
	var flushed []*Connection
	for len(p.free) > 0 && p.open > p.opts.MinConnections {
		conn := p.free[0]
		p.free = p.free[1:]
		p.destroyLocked(conn)
		flushed = append(flushed, conn)
	}
	return flushed
}

func (p *Pool) recordWait(waited bool, start time.Time) {
	if !waited {
		return
	}
	d := p.now().Sub(start)
	p.mu.Lock()
	p.stats.waitDuration += d
	p.mu.Unlock()
}

// sweepLoop runs Sweep periodically until Close.
func (p *Pool) sweepLoop() {
	defer close(p.doneChan)

	ticker := time.NewTicker(p.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Sweep(context.Background())
		case <-p.stopChan:
			return
		}
	}
}

// Sweep evicts connections idle longer than max_idle_time, never dropping
// below min_connections, then probes the remaining idle connections and
// destroys those that fail.
func (p *Pool) Sweep(ctx context.Context) {
	now := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	var evicted, probing []*Connection
	for _, conn := range p.free {
		if now.Sub(conn.lastUsed) > p.opts.MaxIdleTime && p.open > p.opts.MinConnections {
			p.destroyLocked(conn)
			evicted = append(evicted, conn)
			continue
		}
		conn.state = stateProbing
		probing = append(probing, conn)
	}
	p.free = nil
	p.mu.Unlock()

	for _, conn := range evicted {
		conn.closeSession()
	}

	failed := 0
	for _, conn := range probing {
		err := p.probe(ctx, conn.session)

		p.mu.Lock()
		if err != nil || p.closed {
			p.destroyLocked(conn)
			p.mu.Unlock()
			conn.closeSession()
			if err != nil {
				failed++
			}
			continue
		}
		p.returnIdleLocked(conn)
		p.mu.Unlock()
	}

	if len(evicted) > 0 || failed > 0 {
		p.logger.Info("Swept idle connections",
			zap.Int("evicted", len(evicted)),
			zap.Int("failed_probe", failed),
			zap.Int("remaining_idle", len(probing)-failed))
	}
}

// Close stops the sweeper, fails waiting callers with ErrPoolClosed and closes
// idle sessions. Checked-out connections are closed when released.
// This method is idempotent and safe to call multiple times.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stopChan)
		<-p.doneChan

		p.mu.Lock()
		p.closed = true
		free := p.free
		p.free = nil
		for _, conn := range free {
			conn.state = stateClosed
			p.open--
			p.stats.destroyed++
		}
		waiters := p.waiters
		p.waiters = nil
		p.mu.Unlock()

		for _, w := range waiters {
			w <- nil
		}
		for _, conn := range free {
			conn.closeSession()
		}

		err = p.dialer.Close()
		p.logger.Info("Pool closed", zap.Int("closed_idle", len(free)))
	})
	return err
}
