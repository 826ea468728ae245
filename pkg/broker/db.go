package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/database"
	"github.com/ekaya-inc/ekaya-broker/pkg/logging"
	"github.com/ekaya-inc/ekaya-broker/pkg/pool"
	"github.com/ekaya-inc/ekaya-broker/pkg/retry"
)

// DB routes operations for one named pool. Outside a transaction every call
// leases a connection and returns it before the call ends. BeginTransaction
// pins the leased connection to the caller's ConnectionScope until the
// outermost Commit or Rollback, so the whole transaction runs on one session.
type DB struct {
	registry *pool.Registry
	poolName string
	policy   *retry.Policy
	sink     EventSink
	logger   *zap.Logger
}

// New creates a DB for poolName. A nil sink discards events.
func New(registry *pool.Registry, poolName string, policy *retry.Policy, sink EventSink, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NopSink{}
	}
	if policy == nil {
		policy = retry.NewPolicy(logger)
	}
	return &DB{
		registry: registry,
		poolName: poolName,
		policy:   policy,
		sink:     sink,
		logger:   logger.Named("broker"),
	}
}

// Connection returns a DB routing to another pool with the same policy and sink.
func (db *DB) Connection(poolName string) *DB {
	cp := *db
	cp.poolName = poolName
	return &cp
}

// PoolName returns the pool this DB routes to.
func (db *DB) PoolName() string {
	return db.poolName
}

// Call routes op. The leased connection is released on every exit path unless
// it is pinned to the scope by an open transaction. A QueryEvent is emitted
// whatever the outcome.
func (db *DB) Call(ctx context.Context, op Operation) (res *Result, err error) {
	start := time.Now()
	var conn *pool.Connection

	defer func() {
		ev := QueryEvent{
			Pool:     db.poolName,
			Kind:     op.Kind,
			SQL:      op.SQL,
			Bindings: op.Args,
			Duration: time.Since(start),
			Err:      err,
		}
		if conn != nil {
			ev.ConnectionID = conn.ID()
			ev.TransactionDepth = conn.TransactionDepth()
		}
		db.sink.Dispatch(ev)
	}()

	scope, hasScope := database.GetConnectionScope(ctx)
	bound := false
	if hasScope {
		conn, bound = scope.Get(db.poolName)
	}

	if !bound {
		switch op.Kind {
		case KindBeginTransaction:
			if !hasScope {
				return nil, apperrors.ErrNoConnectionScope
			}
		case KindCommit, KindRollback:
			return nil, apperrors.ErrNoActiveTransaction
		}

		var p *pool.Pool
		if p, err = db.registry.GetPool(ctx, db.poolName); err != nil {
			return nil, err
		}
		if conn, err = p.Checkout(ctx); err != nil {
			return nil, err
		}
	}

	pinned := bound
	defer func() {
		if !pinned {
			conn.Release()
		}
	}()

	res, err = retry.Replay(ctx, db.policy, conn, func() (*Result, error) {
		return dispatch(ctx, conn, op)
	})

	switch {
	case !bound && op.Kind == KindBeginTransaction && err == nil:
		if berr := scope.Bind(db.poolName, conn); berr != nil {
			// Another caller sharing the scope pinned first; undo ours.
			if rerr := conn.Rollback(ctx); rerr != nil {
				db.logger.Warn("Rollback of unbound transaction failed",
					zap.String("connection_id", conn.ID().String()),
					zap.String("error", logging.SanitizeError(rerr)))
			}
			return nil, fmt.Errorf("begin transaction on pool %q: %w", db.poolName, berr)
		}
		pinned = true
	case bound && conn.TransactionDepth() == 0:
		scope.Unbind(db.poolName)
		pinned = false
	}

	return res, err
}

// Query runs a statement and returns all rows.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*datasource.QueryResult, error) {
	res, err := db.Call(ctx, Operation{Kind: KindQuery, SQL: query, Args: args})
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// Fetch runs a statement and returns its first row, or nil when none matched.
func (db *DB) Fetch(ctx context.Context, query string, args ...any) (map[string]any, error) {
	res, err := db.Call(ctx, Operation{Kind: KindFetch, SQL: query, Args: args})
	if err != nil {
		return nil, err
	}
	return res.Row, nil
}

// Execute runs a DDL/DML statement.
func (db *DB) Execute(ctx context.Context, stmt string, args ...any) (*datasource.ExecuteResult, error) {
	res, err := db.Call(ctx, Operation{Kind: KindExecute, SQL: stmt, Args: args})
	if err != nil {
		return nil, err
	}
	return res.Exec, nil
}

// BeginTransaction opens a transaction, or a savepoint when one is already open.
// ctx must carry a ConnectionScope.
func (db *DB) BeginTransaction(ctx context.Context) error {
	_, err := db.Call(ctx, Operation{Kind: KindBeginTransaction})
	return err
}

// Commit commits the innermost level. The connection goes back to the pool
// once the outermost level is closed.
func (db *DB) Commit(ctx context.Context) error {
	_, err := db.Call(ctx, Operation{Kind: KindCommit})
	return err
}

// Rollback rolls back the innermost level.
func (db *DB) Rollback(ctx context.Context) error {
	_, err := db.Call(ctx, Operation{Kind: KindRollback})
	return err
}

// Run hands a leased connection to fn.
func (db *DB) Run(ctx context.Context, fn Closure) (any, error) {
	res, err := db.Call(ctx, Operation{Kind: KindRunClosure, Closure: fn})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Transaction runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise. A scope is opened if ctx has none; nested calls
// become savepoints on the same connection.
func (db *DB) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, release := database.WithConnectionScope(ctx, db.logger)
	defer release()

	if err := db.BeginTransaction(ctx); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if rbErr := db.Rollback(ctx); rbErr != nil {
			db.logger.Warn("Rollback after failed transaction body also failed",
				zap.String("pool", db.poolName),
				zap.String("error", logging.SanitizeError(rbErr)))
		}
		return err
	}

	return db.Commit(ctx)
}

// TransactionLevel returns the depth of the transaction pinned in ctx for this pool.
func (db *DB) TransactionLevel(ctx context.Context) int {
	scope, ok := database.GetConnectionScope(ctx)
	if !ok {
		return 0
	}
	conn, ok := scope.Get(db.poolName)
	if !ok {
		return 0
	}
	return conn.TransactionDepth()
}

// PinnedConnectionID returns the id of the connection pinned in ctx, if any.
func (db *DB) PinnedConnectionID(ctx context.Context) (uuid.UUID, bool) {
	scope, ok := database.GetConnectionScope(ctx)
	if !ok {
		return uuid.Nil, false
	}
	conn, ok := scope.Get(db.poolName)
	if !ok {
		return uuid.Nil, false
	}
	return conn.ID(), true
}
