package broker

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/pool"
)

// Kind is the closed set of operations the broker can route.
type Kind int

const (
	KindQuery Kind = iota
	KindExecute
	KindFetch
	KindBeginTransaction
	KindCommit
	KindRollback
	KindRunClosure
)

var kindNames = [...]string{
	KindQuery:            "query",
	KindExecute:          "execute",
	KindFetch:            "fetch",
	KindBeginTransaction: "begin_transaction",
	KindCommit:           "commit",
	KindRollback:         "rollback",
	KindRunClosure:       "run",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Transactional reports whether k changes transaction state and therefore
// participates in connection pinning.
func (k Kind) Transactional() bool {
	return k == KindBeginTransaction || k == KindCommit || k == KindRollback
}

// Closure is user code run against a leased connection.
type Closure func(ctx context.Context, conn *pool.Connection) (any, error)

// Operation is one routed call.
type Operation struct {
	Kind    Kind
	SQL     string
	Args    []any
	Closure Closure // KindRunClosure only
}

// Result holds whichever output the operation kind produces.
type Result struct {
	Rows  *datasource.QueryResult   // KindQuery
	Row   map[string]any            // KindFetch; nil when no row matched
	Exec  *datasource.ExecuteResult // KindExecute
	Value any                       // KindRunClosure

	// TransactionDepth is the connection's depth after the operation.
	TransactionDepth int
}

// dispatch runs op on conn. It is the only place that switches on Kind.
func dispatch(ctx context.Context, conn *pool.Connection, op Operation) (*Result, error) {
	res := &Result{}
	var err error

	switch op.Kind {
	case KindQuery:
		res.Rows, err = conn.Query(ctx, op.SQL, op.Args...)
	case KindFetch:
		var rows *datasource.QueryResult
		rows, err = conn.Query(ctx, op.SQL, op.Args...)
		res.Row = rows.First()
	case KindExecute:
		res.Exec, err = conn.Execute(ctx, op.SQL, op.Args...)
	case KindBeginTransaction:
		err = conn.Begin(ctx)
	case KindCommit:
		err = conn.Commit(ctx)
	case KindRollback:
		err = conn.Rollback(ctx)
	case KindRunClosure:
		if op.Closure == nil {
			return nil, fmt.Errorf("run operation without a closure")
		}
		res.Value, err = op.Closure(ctx, conn)
	default:
		return nil, fmt.Errorf("unknown operation %s", op.Kind)
	}

	res.TransactionDepth = conn.TransactionDepth()
	return res, err
}
