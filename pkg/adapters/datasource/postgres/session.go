package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
)

const closeTimeout = 5 * time.Second

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Session is a datasource.Session over a single pgx.Conn.
// Nested Begin calls open pgx pseudo-nested transactions, which are savepoints.
type Session struct {
	conn *pgx.Conn
	txs  []pgx.Tx
}

func (s *Session) target() querier {
	if n := len(s.txs); n > 0 {
		return s.txs[n-1]
	}
	return s.conn
}

// Ping verifies the connection is alive
func (s *Session) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Query runs a SQL query and returns the results.
func (s *Session) Query(ctx context.Context, query string, args ...any) (*datasource.QueryResult, error) {
	rows, err := s.target().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]datasource.ColumnInfo, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = datasource.ColumnInfo{
			Name: fd.Name,
			Type: s.typeName(fd.DataTypeOID),
		}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}

		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			rowMap[col.Name] = values[i]
		}
		resultRows = append(resultRows, rowMap)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &datasource.QueryResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
	}, nil
}

// Execute runs a DDL/DML statement.
func (s *Session) Execute(ctx context.Context, stmt string, args ...any) (*datasource.ExecuteResult, error) {
	tag, err := s.target().Exec(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return &datasource.ExecuteResult{RowsAffected: tag.RowsAffected()}, nil
}

// Begin opens a transaction, or a savepoint inside the current one.
func (s *Session) Begin(ctx context.Context) error {
	var (
		tx  pgx.Tx
		err error
	)
	if n := len(s.txs); n > 0 {
		tx, err = s.txs[n-1].Begin(ctx)
	} else {
		tx, err = s.conn.Begin(ctx)
	}
	if err != nil {
		return err
	}
	s.txs = append(s.txs, tx)
	return nil
}

// Commit commits the innermost level. The level is popped even when the commit fails.
func (s *Session) Commit(ctx context.Context) error {
	tx, ok := s.pop()
	if !ok {
		return apperrors.ErrNoActiveTransaction
	}
	return tx.Commit(ctx)
}

// Rollback rolls back the innermost level.
func (s *Session) Rollback(ctx context.Context) error {
	tx, ok := s.pop()
	if !ok {
		return apperrors.ErrNoActiveTransaction
	}
	return tx.Rollback(ctx)
}

func (s *Session) pop() (pgx.Tx, bool) {
	n := len(s.txs)
	if n == 0 {
		return nil, false
	}
	tx := s.txs[n-1]
	s.txs = s.txs[:n-1]
	return tx, true
}

// Close rolls back any open transaction and closes the connection.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if len(s.txs) > 0 {
		_ = s.txs[0].Rollback(ctx)
		s.txs = nil
	}
	return s.conn.Close(ctx)
}

// GetType returns the driver type
func (s *Session) GetType() string {
	return "postgres"
}

// typeName resolves an OID through the connection's type map.
func (s *Session) typeName(oid uint32) string {
	if t, ok := s.conn.TypeMap().TypeForOID(oid); ok {
		return t.Name
	}
	return strconv.FormatUint(uint64(oid), 10)
}

var _ datasource.Session = (*Session)(nil)
