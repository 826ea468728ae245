package pool

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/retry"
)

type connState int

const (
	stateIdle connState = iota
	stateInUse
	stateProbing
	stateClosed
)

// Connection is one pooled session. While checked out it belongs to a single
// goroutine; session, txDepth and broken are only touched by that holder.
// state and lastUsed are guarded by the pool mutex.
type Connection struct {
	id        uuid.UUID
	pool      *Pool
	session   datasource.Session
	txDepth   int
	broken    bool
	createdAt time.Time
	lastUsed  time.Time
	state     connState
}

// ID identifies the connection for its whole life, across reconnects.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// PoolName returns the name of the pool the connection belongs to.
func (c *Connection) PoolName() string {
	return c.pool.name
}

// Session exposes the live session. Do not retain it past Release.
func (c *Connection) Session() datasource.Session {
	return c.session
}

// TransactionDepth is 0 outside a transaction and N inside N nested levels.
func (c *Connection) TransactionDepth() int {
	return c.txDepth
}

// Query runs a statement that returns rows.
func (c *Connection) Query(ctx context.Context, query string, args ...any) (*datasource.QueryResult, error) {
	res, err := c.session.Query(ctx, query, args...)
	c.observe(err)
	return res, err
}

// Execute runs a statement that does not return rows.
func (c *Connection) Execute(ctx context.Context, stmt string, args ...any) (*datasource.ExecuteResult, error) {
	res, err := c.session.Execute(ctx, stmt, args...)
	c.observe(err)
	return res, err
}

// Begin opens a transaction level.
func (c *Connection) Begin(ctx context.Context) error {
	if err := c.session.Begin(ctx); err != nil {
		c.observe(err)
		return err
	}
	c.txDepth++
	return nil
}

// Commit commits the innermost level. The level is closed even when the commit fails.
func (c *Connection) Commit(ctx context.Context) error {
	if c.txDepth == 0 {
		return apperrors.ErrNoActiveTransaction
	}
	err := c.session.Commit(ctx)
	c.txDepth--
	c.observe(err)
	return err
}

// Rollback rolls back the innermost level.
func (c *Connection) Rollback(ctx context.Context) error {
	if c.txDepth == 0 {
		return apperrors.ErrNoActiveTransaction
	}
	err := c.session.Rollback(ctx)
	c.txDepth--
	c.observe(err)
	return err
}

// Reconnect replaces the session in place. See Pool.Reconnect.
func (c *Connection) Reconnect(ctx context.Context) bool {
	return c.pool.Reconnect(ctx, c)
}

// Release returns the connection to its pool.
func (c *Connection) Release() {
	c.pool.Release(c)
}

// rollbackAll unwinds every open level.
func (c *Connection) rollbackAll(ctx context.Context) error {
	for c.txDepth > 0 {
		if err := c.Rollback(ctx); err != nil {
			c.txDepth = 0
			return err
		}
	}
	return nil
}

// observe marks the session broken when err says the link is gone.
func (c *Connection) observe(err error) {
	if err != nil && retry.CausedByLostConnection(err) {
		c.broken = true
	}
}

func (c *Connection) closeSession() {
	if c.session != nil {
		_ = c.session.Close()
	}
}

var _ retry.Reconnectable = (*Connection)(nil)
