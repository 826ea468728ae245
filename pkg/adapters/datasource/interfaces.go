package datasource

import "context"

// Session is one live database session. A Session is never shared: the pool
// leases it to exactly one goroutine at a time, so implementations need no locking.
type Session interface {
	// Ping is the health probe. Returns nil if the session is usable.
	Ping(ctx context.Context) error

	// Query runs a statement that returns rows.
	Query(ctx context.Context, query string, args ...any) (*QueryResult, error)

	// Execute runs a statement that does not return rows (DDL/DML).
	Execute(ctx context.Context, stmt string, args ...any) (*ExecuteResult, error)

	// Begin opens a transaction, or a savepoint when one is already open.
	Begin(ctx context.Context) error

	// Commit commits the innermost transaction level.
	Commit(ctx context.Context) error

	// Rollback rolls back the innermost transaction level.
	Rollback(ctx context.Context) error

	// Close tears down the underlying network session.
	Close() error

	// GetType returns the driver type for logging/stats
	GetType() string
}

// Dialer establishes new sessions for one configured pool. Dial is both the
// initial connect and the reconnect primitive.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)

	// Close releases anything shared between sessions (e.g. a *sql.DB).
	Close() error

	GetType() string
}

// ColumnInfo describes a result column with database-agnostic type information.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"` // Database type name (e.g., "TEXT", "INT4", "VARCHAR")
}

// QueryResult holds the rows returned by a query.
type QueryResult struct {
	Columns  []ColumnInfo     `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}

// First returns the first row, or nil when the result is empty.
func (r *QueryResult) First() map[string]any {
	if r == nil || len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// ExecuteResult holds the outcome of a DDL/DML statement.
type ExecuteResult struct {
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id,omitempty"`
}
