package datasource

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
)

// Dialect holds the savepoint statements used for nested transactions.
// An empty Release means the dialect has no savepoint release statement.
type Dialect struct {
	Savepoint string // fmt pattern taking the savepoint name
	Rollback  string
	Release   string
}

var (
	// StandardDialect works for PostgreSQL, MySQL and SQLite.
	StandardDialect = Dialect{
		Savepoint: "SAVEPOINT %s",
		Rollback:  "ROLLBACK TO SAVEPOINT %s",
		Release:   "RELEASE SAVEPOINT %s",
	}

	// SQLServerDialect uses T-SQL savepoints, which have no release statement.
	SQLServerDialect = Dialect{
		Savepoint: "SAVE TRANSACTION %s",
		Rollback:  "ROLLBACK TRANSACTION %s",
	}
)

// SQLDialer hands out sessions backed by single connections of a database/sql pool.
// Idle connections are disabled so closing a session closes its physical connection;
// the broker's pool, not database/sql, decides how many sessions stay open.
type SQLDialer struct {
	db         *sqlx.DB
	driverType string
	dialect    Dialect
}

// NewSQLDialer wraps db. driverName is the database/sql driver it was opened with.
func NewSQLDialer(db *sql.DB, driverName, driverType string, dialect Dialect) *SQLDialer {
	db.SetMaxIdleConns(0)
	return &SQLDialer{
		db:         sqlx.NewDb(db, driverName),
		driverType: driverType,
		dialect:    dialect,
	}
}

// Dial checks out a dedicated physical connection.
func (d *SQLDialer) Dial(ctx context.Context) (Session, error) {
	conn, err := d.db.Connx(ctx)
	if err != nil {
		return nil, err
	}
	return &SQLSession{conn: conn, dialect: d.dialect, driverType: d.driverType}, nil
}

// Close closes the underlying *sql.DB.
func (d *SQLDialer) Close() error {
	return d.db.Close()
}

// GetType returns the driver type
func (d *SQLDialer) GetType() string {
	return d.driverType
}

// DB returns the underlying *sqlx.DB.
func (d *SQLDialer) DB() *sqlx.DB {
	return d.db
}

type sqlQueryer interface {
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLSession is a Session over one database/sql connection.
type SQLSession struct {
	conn       *sqlx.Conn
	tx         *sqlx.Tx
	depth      int
	dialect    Dialect
	driverType string
}

func (s *SQLSession) target() sqlQueryer {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

// Ping verifies the connection is alive
func (s *SQLSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Query runs a statement and collects every row.
func (s *SQLSession) Query(ctx context.Context, query string, args ...any) (*QueryResult, error) {
	rows, err := s.target().QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("read column types: %w", err)
	}
	columns := make([]ColumnInfo, len(colTypes))
	for i, ct := range colTypes {
		columns[i] = ColumnInfo{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}

	result := &QueryResult{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		row := make(map[string]any, len(columns))
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

// Execute runs a DDL/DML statement.
func (s *SQLSession) Execute(ctx context.Context, stmt string, args ...any) (*ExecuteResult, error) {
	res, err := s.target().ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}

	out := &ExecuteResult{}
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	return out, nil
}

// Begin starts a transaction, or a savepoint named trans<N> inside one.
func (s *SQLSession) Begin(ctx context.Context) error {
	if s.depth == 0 {
		tx, err := s.conn.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		s.tx = tx
		s.depth = 1
		return nil
	}

	if _, err := s.tx.ExecContext(ctx, fmt.Sprintf(s.dialect.Savepoint, savepointName(s.depth+1))); err != nil {
		return err
	}
	s.depth++
	return nil
}

// Commit commits the innermost level. A failed outermost commit still ends the transaction.
func (s *SQLSession) Commit(ctx context.Context) error {
	switch {
	case s.depth == 0:
		return apperrors.ErrNoActiveTransaction
	case s.depth == 1:
		err := s.tx.Commit()
		s.tx = nil
		s.depth = 0
		return err
	default:
		name := savepointName(s.depth)
		s.depth--
		if s.dialect.Release == "" {
			return nil
		}
		_, err := s.tx.ExecContext(ctx, fmt.Sprintf(s.dialect.Release, name))
		return err
	}
}

// Rollback rolls back the innermost level.
func (s *SQLSession) Rollback(ctx context.Context) error {
	switch {
	case s.depth == 0:
		return apperrors.ErrNoActiveTransaction
	case s.depth == 1:
		err := s.tx.Rollback()
		s.tx = nil
		s.depth = 0
		return err
	default:
		name := savepointName(s.depth)
		s.depth--
		_, err := s.tx.ExecContext(ctx, fmt.Sprintf(s.dialect.Rollback, name))
		return err
	}
}

// Close rolls back any open transaction and closes the physical connection.
func (s *SQLSession) Close() error {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
		s.depth = 0
	}
	return s.conn.Close()
}

// GetType returns the driver type
func (s *SQLSession) GetType() string {
	return s.driverType
}

func savepointName(level int) string {
	return fmt.Sprintf("trans%d", level)
}
