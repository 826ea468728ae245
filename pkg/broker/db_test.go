package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/database"
	"github.com/ekaya-inc/ekaya-broker/pkg/pool"
	"github.com/ekaya-inc/ekaya-broker/pkg/testhelpers"
)

// eventRecorder collects dispatched events.
type eventRecorder struct {
	mu     sync.Mutex
	events []QueryEvent
}

func (r *eventRecorder) Dispatch(ev QueryEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) Events() []QueryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QueryEvent, len(r.events))
	copy(out, r.events)
	return out
}

type fixture struct {
	db       *DB
	registry *pool.Registry
	dialer   *testhelpers.FakeDialer
	events   *eventRecorder
}

func newFixture(t *testing.T, maxConns int) *fixture {
	t.Helper()
	dialer := testhelpers.NewFakeDialer()
	driver := testhelpers.RegisterFakeDriver(dialer)
	source := testhelpers.StaticConfigSource{
		"default": testhelpers.PoolConfig("", driver, 1, maxConns),
	}
	logger := zaptest.NewLogger(t)
	registry := pool.NewRegistry(source, logger, pool.WithoutSweeper())
	t.Cleanup(func() { _ = registry.Close() })

	events := &eventRecorder{}
	return &fixture{
		db:       New(registry, "default", nil, events, logger),
		registry: registry,
		dialer:   dialer,
		events:   events,
	}
}

func (f *fixture) stats(t *testing.T) pool.Stats {
	t.Helper()
	p, err := f.registry.GetPool(context.Background(), "default")
	require.NoError(t, err)
	return p.Stats()
}

func goneAwayOnFirstSession(s *testhelpers.FakeSession) {
	if s.ID != 1 {
		return
	}
	s.QueryFunc = func(ctx context.Context, query string, args ...any) (*datasource.QueryResult, error) {
		return nil, testhelpers.ErrFakeGoneAway
	}
	s.ExecFunc = func(ctx context.Context, stmt string, args ...any) (*datasource.ExecuteResult, error) {
		return nil, testhelpers.ErrFakeGoneAway
	}
}

func TestCall_OutsideTransactionReleasesEveryCall(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	_, err := f.db.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	_, err = f.db.Execute(ctx, "UPDATE t SET x = 1")
	require.NoError(t, err)

	stats := f.stats(t)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Open, "sequential calls share one session")
	assert.Equal(t, []string{"SELECT 1", "UPDATE t SET x = 1"}, f.dialer.Sessions()[0].Log())
}

func TestTransaction_RunsOnOneConnection(t *testing.T) {
	f := newFixture(t, 2)
	ctx, release := database.WithConnectionScope(context.Background(), nil)
	defer release()

	require.NoError(t, f.db.BeginTransaction(ctx))
	pinned, ok := f.db.PinnedConnectionID(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, f.db.TransactionLevel(ctx))

	_, err := f.db.Execute(ctx, "INSERT INTO t VALUES (1)")
	require.NoError(t, err)

	// A caller outside the scope cannot see the pinned connection.
	_, err = f.db.Query(context.Background(), "SELECT 2")
	require.NoError(t, err)
	assert.Equal(t, 2, f.stats(t).Open)

	_, err = f.db.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	again, ok := f.db.PinnedConnectionID(ctx)
	require.True(t, ok)
	assert.Equal(t, pinned, again)

	require.NoError(t, f.db.Commit(ctx))

	_, ok = f.db.PinnedConnectionID(ctx)
	assert.False(t, ok, "outermost commit unpins the connection")
	assert.Equal(t, 0, f.stats(t).InUse)
	assert.Equal(t,
		[]string{"BEGIN 1", "INSERT INTO t VALUES (1)", "SELECT 1", "COMMIT 1"},
		f.dialer.Sessions()[0].Log())
	assert.Equal(t, []string{"SELECT 2"}, f.dialer.Sessions()[1].Log())
}

func TestTransaction_NestedLevelsUseSavepoints(t *testing.T) {
	f := newFixture(t, 1)
	ctx, release := database.WithConnectionScope(context.Background(), nil)
	defer release()

	require.NoError(t, f.db.BeginTransaction(ctx))
	require.NoError(t, f.db.BeginTransaction(ctx))
	assert.Equal(t, 2, f.db.TransactionLevel(ctx))

	require.NoError(t, f.db.Rollback(ctx))
	assert.Equal(t, 1, f.db.TransactionLevel(ctx))
	assert.Equal(t, 1, f.stats(t).InUse, "inner rollback keeps the connection pinned")

	require.NoError(t, f.db.Commit(ctx))
	assert.Equal(t, 0, f.stats(t).InUse)
	assert.Equal(t, []string{"BEGIN 1", "BEGIN 2", "ROLLBACK 2", "COMMIT 1"}, f.dialer.Sessions()[0].Log())
}

func TestBeginTransaction_RequiresScope(t *testing.T) {
	f := newFixture(t, 1)

	err := f.db.BeginTransaction(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNoConnectionScope)
	assert.Equal(t, 0, f.dialer.Dials(), "no connection is leased for a rejected call")
}

func TestCommit_WithoutTransaction(t *testing.T) {
	f := newFixture(t, 1)
	ctx, release := database.WithConnectionScope(context.Background(), nil)
	defer release()

	assert.ErrorIs(t, f.db.Commit(ctx), apperrors.ErrNoActiveTransaction)
	assert.ErrorIs(t, f.db.Rollback(context.Background()), apperrors.ErrNoActiveTransaction)
	assert.Equal(t, 0, f.dialer.Dials())
}

func TestCall_ReplaysOnceAfterLostConnection(t *testing.T) {
	f := newFixture(t, 1)
	f.dialer.Configure = goneAwayOnFirstSession

	rows, err := f.db.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.NotNil(t, rows)

	assert.Equal(t, 2, f.dialer.Dials())
	sessions := f.dialer.Sessions()
	assert.True(t, sessions[0].IsClosed())
	assert.Equal(t, []string{"SELECT 1"}, sessions[1].Log())

	stats := f.stats(t)
	assert.Equal(t, int64(1), stats.Reconnects)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Idle)
}

func TestCall_ReplayFailureIsReturnedAndConnectionReleased(t *testing.T) {
	f := newFixture(t, 1)
	f.dialer.Configure = func(s *testhelpers.FakeSession) {
		s.QueryFunc = func(ctx context.Context, query string, args ...any) (*datasource.QueryResult, error) {
			return nil, testhelpers.ErrFakeGoneAway
		}
	}

	_, err := f.db.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, testhelpers.ErrFakeGoneAway)
	assert.Equal(t, 2, f.dialer.Dials(), "exactly one replay")

	stats := f.stats(t)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 0, stats.Open, "broken session is destroyed on release")
}

func TestCall_ReconnectFailureReturnsOriginalError(t *testing.T) {
	f := newFixture(t, 1)
	f.dialer.Configure = goneAwayOnFirstSession
	f.dialer.DialFunc = func(n int) error {
		if n > 1 {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	}

	_, err := f.db.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, testhelpers.ErrFakeGoneAway)
	assert.Equal(t, 0, f.stats(t).InUse)
}

func TestCall_NoReplayInsideTransaction(t *testing.T) {
	f := newFixture(t, 1)
	f.dialer.Configure = goneAwayOnFirstSession
	ctx, release := database.WithConnectionScope(context.Background(), nil)
	defer release()

	require.NoError(t, f.db.BeginTransaction(ctx))
	_, err := f.db.Execute(ctx, "UPDATE t SET x = 1")
	assert.ErrorIs(t, err, testhelpers.ErrFakeGoneAway)
	assert.Equal(t, 1, f.dialer.Dials(), "work inside a transaction is never replayed")
	assert.Equal(t, 1, f.db.TransactionLevel(ctx))

	require.NoError(t, f.db.Rollback(ctx))
	stats := f.stats(t)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 0, stats.Open)
}

func TestCall_OtherErrorsAreNotReplayed(t *testing.T) {
	f := newFixture(t, 1)
	syntaxErr := errors.New(`ERROR: syntax error at or near "SELEC"`)
	f.dialer.Configure = func(s *testhelpers.FakeSession) {
		s.QueryFunc = func(ctx context.Context, query string, args ...any) (*datasource.QueryResult, error) {
			return nil, syntaxErr
		}
	}

	_, err := f.db.Query(context.Background(), "SELEC 1")
	assert.ErrorIs(t, err, syntaxErr)
	assert.Equal(t, 1, f.dialer.Dials())

	stats := f.stats(t)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Idle)
}

func TestCall_ReleasesWhenClosurePanics(t *testing.T) {
	f := newFixture(t, 1)

	assert.Panics(t, func() {
		_, _ = f.db.Run(context.Background(), func(ctx context.Context, conn *pool.Connection) (any, error) {
			panic("boom")
		})
	})
	assert.Equal(t, 0, f.stats(t).InUse)
	assert.Len(t, f.events.Events(), 1)
}

func TestCall_ExhaustedPoolReturnsError(t *testing.T) {
	f := newFixture(t, 1)
	ctx, release := database.WithConnectionScope(context.Background(), nil)
	defer release()
	require.NoError(t, f.db.BeginTransaction(ctx))

	_, err := f.db.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, apperrors.ErrPoolExhausted)

	events := f.events.Events()
	require.Len(t, events, 2)
	assert.ErrorIs(t, events[1].Err, apperrors.ErrPoolExhausted)
	assert.Equal(t, "SELECT 1", events[1].SQL)
}

func TestTransaction_CommitsOrRollsBack(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	err := f.db.Transaction(ctx, func(ctx context.Context) error {
		_, err := f.db.Execute(ctx, "INSERT INTO t VALUES (1)")
		return err
	})
	require.NoError(t, err)

	bodyErr := errors.New("validation failed")
	err = f.db.Transaction(ctx, func(ctx context.Context) error {
		if _, err := f.db.Execute(ctx, "INSERT INTO t VALUES (2)"); err != nil {
			return err
		}
		return f.db.Transaction(ctx, func(ctx context.Context) error {
			assert.Equal(t, 2, f.db.TransactionLevel(ctx))
			return bodyErr
		})
	})
	assert.ErrorIs(t, err, bodyErr)

	assert.Equal(t, []string{
		"BEGIN 1", "INSERT INTO t VALUES (1)", "COMMIT 1",
		"BEGIN 1", "INSERT INTO t VALUES (2)", "BEGIN 2", "ROLLBACK 2", "ROLLBACK 1",
	}, f.dialer.Sessions()[0].Log())
	assert.Equal(t, 0, f.stats(t).InUse)
}

func TestScopeEnd_RollsBackPinnedTransaction(t *testing.T) {
	f := newFixture(t, 1)
	ctx, release := database.WithConnectionScope(context.Background(), nil)

	require.NoError(t, f.db.BeginTransaction(ctx))
	_, err := f.db.Execute(ctx, "DELETE FROM t")
	require.NoError(t, err)
	release()

	assert.Equal(t, 0, f.stats(t).InUse)
	assert.Equal(t, []string{"BEGIN 1", "DELETE FROM t", "ROLLBACK 1"}, f.dialer.Sessions()[0].Log())
}

func TestFetchAndRun(t *testing.T) {
	f := newFixture(t, 1)
	f.dialer.Configure = func(s *testhelpers.FakeSession) {
		s.QueryFunc = func(ctx context.Context, query string, args ...any) (*datasource.QueryResult, error) {
			return &datasource.QueryResult{
				Rows:     []map[string]any{{"id": int64(7)}, {"id": int64(8)}},
				RowCount: 2,
			}, nil
		}
	}
	ctx := context.Background()

	row, err := f.db.Fetch(ctx, "SELECT id FROM t WHERE id > ?", 6)
	require.NoError(t, err)
	assert.Equal(t, int64(7), row["id"])

	v, err := f.db.Run(ctx, func(ctx context.Context, conn *pool.Connection) (any, error) {
		return conn.PoolName(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "default", v)
	assert.Equal(t, 0, f.stats(t).InUse)
}

func TestConnection_RoutesToNamedPool(t *testing.T) {
	primary := testhelpers.NewFakeDialer()
	reporting := testhelpers.NewFakeDialer()
	source := testhelpers.StaticConfigSource{
		"default":   testhelpers.PoolConfig("", testhelpers.RegisterFakeDriver(primary), 1, 1),
		"reporting": testhelpers.PoolConfig("", testhelpers.RegisterFakeDriver(reporting), 1, 1),
	}
	registry := pool.NewRegistry(source, zaptest.NewLogger(t), pool.WithoutSweeper())
	defer registry.Close()

	db := New(registry, "default", nil, nil, nil)
	_, err := db.Connection("reporting").Query(context.Background(), "SELECT 1")
	require.NoError(t, err)

	assert.Equal(t, 0, primary.Dials())
	assert.Equal(t, 1, reporting.Dials())
	assert.Equal(t, "default", db.PoolName())

	_, err = db.Connection("missing").Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, apperrors.ErrConfigMissing)
}

func TestCall_EmitsEventForEveryOutcome(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.db.Query(ctx, "SELECT ?", 1)
	require.NoError(t, err)
	_ = f.db.BeginTransaction(ctx)
	_, _ = f.db.Call(ctx, Operation{Kind: KindRunClosure})

	events := f.events.Events()
	require.Len(t, events, 3)

	assert.Equal(t, KindQuery, events[0].Kind)
	assert.Equal(t, []any{1}, events[0].Bindings)
	assert.NoError(t, events[0].Err)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", events[0].ConnectionID.String())

	assert.ErrorIs(t, events[1].Err, apperrors.ErrNoConnectionScope)
	assert.Equal(t, "00000000-0000-0000-0000-000000000000", events[1].ConnectionID.String())

	assert.Error(t, events[2].Err)
	assert.Equal(t, 0, f.stats(t).InUse)
}

func TestCommit_LostConnectionInsideTransactionIsNotReplayed(t *testing.T) {
	f := newFixture(t, 1)
	f.dialer.Configure = func(s *testhelpers.FakeSession) {
		if s.ID == 1 {
			s.CommitErr = testhelpers.ErrFakeGoneAway
		}
	}
	ctx, release := database.WithConnectionScope(context.Background(), nil)
	defer release()

	require.NoError(t, f.db.BeginTransaction(ctx))
	err := f.db.Commit(ctx)

	assert.ErrorIs(t, err, testhelpers.ErrFakeGoneAway, "the original failure surfaces")
	assert.NotErrorIs(t, err, apperrors.ErrNoActiveTransaction)
	assert.Equal(t, 1, f.dialer.Dials(), "no reconnect for a transaction's session")

	_, pinned := f.db.PinnedConnectionID(ctx)
	assert.False(t, pinned)
	stats := f.stats(t)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, int64(0), stats.Reconnects)
	assert.Equal(t, 0, stats.Open, "the lost session is destroyed on release")
}

func TestBeginTransaction_ConcurrentCallersShareOneBinding(t *testing.T) {
	const callers = 4
	f := newFixture(t, callers)
	f.dialer.DialDelay = 50 * time.Millisecond
	ctx, release := database.WithConnectionScope(context.Background(), nil)

	start := make(chan struct{})
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = f.db.BeginTransaction(ctx)
		}(i)
	}
	close(start)
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrAlreadyBound)
	}
	assert.Equal(t, 1, won, "exactly one transaction is pinned")
	assert.Equal(t, 1, f.stats(t).InUse, "losing callers returned their connections")

	release()
	assert.Equal(t, 0, f.stats(t).InUse)
	for _, s := range f.dialer.Sessions() {
		assert.Equal(t, 0, s.Depth(), "no transaction is left open")
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "begin_transaction", KindBeginTransaction.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
	assert.True(t, KindCommit.Transactional())
	assert.False(t, KindQuery.Transactional())
}
