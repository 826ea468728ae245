package testhelpers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/config"
)

// ErrFakeGoneAway is a lost-connection error as a MySQL driver would report it.
var ErrFakeGoneAway = errors.New("SQLSTATE[HY000]: General error: 2006 MySQL server has gone away")

// FakeDialer is an in-memory datasource.Dialer for deterministic pool and broker tests.
type FakeDialer struct {
	// DialFunc, when set, is called with the 1-based dial number before a session
	// is handed out. A non-nil error fails the dial.
	DialFunc func(n int) error
	// DialDelay simulates connect latency; it honours ctx.
	DialDelay time.Duration
	// Configure, when set, is applied to every new session.
	Configure func(s *FakeSession)

	mu       sync.Mutex
	sessions []*FakeSession
	dials    int
	closed   bool
}

// NewFakeDialer creates a dialer whose sessions succeed at everything.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// Dial creates a FakeSession.
func (d *FakeDialer) Dial(ctx context.Context) (datasource.Session, error) {
	if d.DialDelay > 0 {
		select {
		case <-time.After(d.DialDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()

	if d.DialFunc != nil {
		if err := d.DialFunc(n); err != nil {
			return nil, err
		}
	}

	s := &FakeSession{ID: n}
	if d.Configure != nil {
		d.Configure(s)
	}

	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

// Close marks the dialer closed.
func (d *FakeDialer) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// GetType returns the driver type
func (d *FakeDialer) GetType() string {
	return "fake"
}

// Dials returns how many dial attempts were made.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Sessions returns every session handed out so far.
func (d *FakeDialer) Sessions() []*FakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeSession, len(d.sessions))
	copy(out, d.sessions)
	return out
}

// OpenSessions counts sessions not yet closed.
func (d *FakeDialer) OpenSessions() int {
	n := 0
	for _, s := range d.Sessions() {
		if !s.IsClosed() {
			n++
		}
	}
	return n
}

// IsClosed reports whether Close was called.
func (d *FakeDialer) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// FakeSession records every statement and transaction event it sees.
type FakeSession struct {
	ID int

	// QueryFunc and ExecFunc override the default empty results.
	QueryFunc func(ctx context.Context, query string, args ...any) (*datasource.QueryResult, error)
	ExecFunc  func(ctx context.Context, stmt string, args ...any) (*datasource.ExecuteResult, error)
	// CommitErr, when set, fails every Commit.
	CommitErr error

	pingErr atomic.Value // error
	mu      sync.Mutex
	log     []string
	depth   int
	closed  bool
}

// SetPingError makes the health probe fail with err (nil restores it).
func (s *FakeSession) SetPingError(err error) {
	s.pingErr.Store(errBox{err})
}

type errBox struct{ err error }

// Ping is the health probe.
func (s *FakeSession) Ping(ctx context.Context) error {
	if v, ok := s.pingErr.Load().(errBox); ok && v.err != nil {
		return v.err
	}
	if s.IsClosed() {
		return errors.New("conn closed")
	}
	return ctx.Err()
}

// Query records query and returns QueryFunc's result or an empty result.
func (s *FakeSession) Query(ctx context.Context, query string, args ...any) (*datasource.QueryResult, error) {
	s.record(query)
	if s.QueryFunc != nil {
		return s.QueryFunc(ctx, query, args...)
	}
	return &datasource.QueryResult{Rows: []map[string]any{}}, nil
}

// Execute records stmt and returns ExecFunc's result or one affected row.
func (s *FakeSession) Execute(ctx context.Context, stmt string, args ...any) (*datasource.ExecuteResult, error) {
	s.record(stmt)
	if s.ExecFunc != nil {
		return s.ExecFunc(ctx, stmt, args...)
	}
	return &datasource.ExecuteResult{RowsAffected: 1}, nil
}

// Begin opens a level.
func (s *FakeSession) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depth++
	s.log = append(s.log, fmt.Sprintf("BEGIN %d", s.depth))
	return nil
}

// Commit closes the innermost level.
func (s *FakeSession) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		return errors.New("no transaction")
	}
	s.log = append(s.log, fmt.Sprintf("COMMIT %d", s.depth))
	s.depth--
	return s.CommitErr
}

// Rollback closes the innermost level.
func (s *FakeSession) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		return errors.New("no transaction")
	}
	s.log = append(s.log, fmt.Sprintf("ROLLBACK %d", s.depth))
	s.depth--
	return nil
}

// Close marks the session closed.
func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// GetType returns the driver type
func (s *FakeSession) GetType() string {
	return "fake"
}

// Log returns the recorded statements and transaction events.
func (s *FakeSession) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.log))
	copy(out, s.log)
	return out
}

// Depth returns the open transaction depth.
func (s *FakeSession) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

// IsClosed reports whether Close was called.
func (s *FakeSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FakeSession) record(stmt string) {
	s.mu.Lock()
	s.log = append(s.log, stmt)
	s.mu.Unlock()
}

var (
	fakeDriverSeq int64
)

// RegisterFakeDriver registers dialer under a unique driver type and returns it.
// Pool registries resolving that type will use dialer.
func RegisterFakeDriver(dialer *FakeDialer) string {
	name := fmt.Sprintf("fake-%d", atomic.AddInt64(&fakeDriverSeq, 1))
	datasource.Register(datasource.DriverRegistration{
		Info: datasource.DriverInfo{Type: name, DisplayName: "Fake", Description: "in-memory test driver"},
		Factory: func(cfg config.PoolConfig) (datasource.Dialer, error) {
			return dialer, nil
		},
	})
	return name
}

// PoolConfig returns a defaulted pool section for tests.
func PoolConfig(name, driver string, minConns, maxConns int) config.PoolConfig {
	return config.PoolConfig{
		Name:   name,
		Driver: driver,
		Pool: config.PoolOptions{
			MinConnections: minConns,
			MaxConnections: maxConns,
			ConnectTimeout: time.Second,
			WaitTimeout:    200 * time.Millisecond,
			MaxIdleTime:    time.Minute,
		},
	}
}

// StaticConfigSource serves pool sections from a map.
type StaticConfigSource map[string]config.PoolConfig

// PoolConfig implements pool.ConfigSource.
func (s StaticConfigSource) PoolConfig(name string) (config.PoolConfig, bool) {
	cfg, ok := s[name]
	if ok {
		cfg.Name = name
	}
	return cfg, ok
}
