package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asynclite/asynclite/pkg/bridge"
	"github.com/asynclite/asynclite/pkg/callctx"
)

func startConn(t *testing.T) *bridge.Conn {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	ctrl := bridge.NewController(bridge.Options{})
	conn, err := ctrl.Start(context.Background(), Factory(dsn))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ctrl.Stop(context.Background())) })
	return conn
}

func mustCall(t *testing.T, conn *bridge.Conn, method string, args ...any) any {
	t.Helper()
	ctx := context.Background()
	v, err := conn.Call(ctx, method, args, nil).Wait(ctx)
	require.NoError(t, err)
	return v
}

func TestResource_ExecAndQuery(t *testing.T) {
	conn := startConn(t)

	mustCall(t, conn, MethodExec, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)

	res := mustCall(t, conn, MethodExec, `INSERT INTO users (name) VALUES (?), (?)`, "alice", "bob")
	exec, ok := res.(ExecResult)
	require.True(t, ok)
	assert.Equal(t, int64(2), exec.RowsAffected)
	assert.Equal(t, int64(2), exec.LastInsertID)

	last := mustCall(t, conn, MethodLastInsert)
	assert.Equal(t, int64(2), last, "session-wide last insert id")

	res = mustCall(t, conn, MethodQuery, `SELECT id, name FROM users ORDER BY id`)
	rows, ok := res.(Rows)
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name"}, rows.Columns)
	require.Len(t, rows.Values, 2)
	assert.Equal(t, "alice", rows.Values[0][1])
	assert.Equal(t, "bob", rows.Values[1][1])
}

func TestResource_EngineError(t *testing.T) {
	conn := startConn(t)
	ctx := context.Background()

	_, err := conn.Call(ctx, MethodExec, []any{`BOGUS SQL`}, nil).Wait(ctx)
	require.Error(t, err)

	var resErr *bridge.ResourceError
	require.ErrorAs(t, err, &resErr, "engine rejections must surface as ResourceError")
	assert.Equal(t, MethodExec, resErr.Method)
	assert.NotZero(t, resErr.Code, "sqlite result code must be carried over")
}

func TestResource_UnknownMethod(t *testing.T) {
	conn := startConn(t)
	ctx := context.Background()

	_, err := conn.Call(ctx, "vacuum_the_moon", nil, nil).Wait(ctx)
	var resErr *bridge.ResourceError
	require.ErrorAs(t, err, &resErr)
	assert.Contains(t, err.Error(), "unknown method")
}

func TestResource_CursorPrefetch(t *testing.T) {
	conn := startConn(t)

	mustCall(t, conn, MethodExec, `CREATE TABLE nums (n INTEGER)`)
	mustCall(t, conn, MethodExec,
		`WITH RECURSIVE cnt(x) AS (SELECT 1 UNION ALL SELECT x+1 FROM cnt WHERE x < 10)
		 INSERT INTO nums SELECT x FROM cnt`)

	ctx := context.Background()
	id, err := conn.Call(ctx, MethodCursor, []any{`SELECT n FROM nums ORDER BY n`}, nil).Wait(ctx)
	require.NoError(t, err)
	cursorID, ok := id.(string)
	require.True(t, ok)

	var total int
	fetches := 0
	for {
		res, err := conn.Call(ctx, MethodFetch, []any{cursorID}, &bridge.CallOpts{Prefetch: 4}).Wait(ctx)
		require.NoError(t, err)
		batch := res.(Batch)
		assert.LessOrEqual(t, len(batch.Values), 4, "a batch never exceeds the prefetch size")
		total += len(batch.Values)
		fetches++
		if batch.EOF {
			break
		}
	}
	assert.Equal(t, 10, total)
	assert.GreaterOrEqual(t, fetches, 3, "10 rows at prefetch 4 take at least 3 round trips")

	// cursor is gone after EOF
	_, err = conn.Call(ctx, MethodFetch, []any{cursorID}, nil).Wait(ctx)
	var resErr *bridge.ResourceError
	require.ErrorAs(t, err, &resErr)
	assert.Contains(t, err.Error(), "not found")
}

func TestResource_CloseCursorEarly(t *testing.T) {
	conn := startConn(t)

	mustCall(t, conn, MethodExec, `CREATE TABLE t (n INTEGER)`)
	mustCall(t, conn, MethodExec, `INSERT INTO t VALUES (1), (2), (3)`)

	id := mustCall(t, conn, MethodCursor, `SELECT n FROM t`).(string)
	mustCall(t, conn, MethodCloseCursor, id)
	mustCall(t, conn, MethodCloseCursor, id) // closing twice is fine
}

func TestResource_Transactions(t *testing.T) {
	conn := startConn(t)

	mustCall(t, conn, MethodExec, `CREATE TABLE t (n INTEGER)`)

	mustCall(t, conn, MethodBegin)
	mustCall(t, conn, MethodExec, `INSERT INTO t VALUES (1)`)
	mustCall(t, conn, MethodRollback)

	rows := mustCall(t, conn, MethodQuery, `SELECT n FROM t`).(Rows)
	assert.Empty(t, rows.Values, "rolled back insert must not be visible")

	mustCall(t, conn, MethodBegin)
	mustCall(t, conn, MethodExec, `INSERT INTO t VALUES (2)`)
	mustCall(t, conn, MethodCommit)

	rows = mustCall(t, conn, MethodQuery, `SELECT n FROM t`).(Rows)
	require.Len(t, rows.Values, 1)
	assert.Equal(t, int64(2), rows.Values[0][0])
}

func TestResource_TransactionStateErrors(t *testing.T) {
	conn := startConn(t)
	ctx := context.Background()

	_, err := conn.Call(ctx, MethodCommit, nil, nil).Wait(ctx)
	var resErr *bridge.ResourceError
	require.ErrorAs(t, err, &resErr)
	assert.Contains(t, err.Error(), "no active transaction")

	mustCall(t, conn, MethodBegin)
	_, err = conn.Call(ctx, MethodBegin, nil, nil).Wait(ctx)
	require.ErrorAs(t, err, &resErr)
	assert.Contains(t, err.Error(), "already active")
	mustCall(t, conn, MethodRollback)
}

func TestResource_TraceHook(t *testing.T) {
	conn := startConn(t)

	var mu sync.Mutex
	var traced []string
	require.NoError(t, conn.RegisterCallback(SlotTrace, bridge.SyncHandler(
		func(_ callctx.Snapshot, args []any) (any, error) {
			mu.Lock()
			traced = append(traced, args[0].(string))
			mu.Unlock()
			return nil, nil
		})))

	mustCall(t, conn, MethodExec, `CREATE TABLE t (n INTEGER)`)
	mustCall(t, conn, MethodQuery, `SELECT n FROM t`)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`CREATE TABLE t (n INTEGER)`, `SELECT n FROM t`}, traced)
}

func TestResource_AuthorizeVeto(t *testing.T) {
	conn := startConn(t)
	ctx := context.Background()

	mustCall(t, conn, MethodExec, `CREATE TABLE secrets (v TEXT)`)

	require.NoError(t, conn.RegisterCallback(SlotAuthorize, bridge.AsyncHandler(
		func(_ context.Context, args []any) (any, error) {
			stmt := args[0].(string)
			return stmt != `DROP TABLE secrets`, nil
		})))

	// allowed statement passes through the async authorizer
	mustCall(t, conn, MethodExec, `INSERT INTO secrets VALUES ('x')`)

	// vetoed statement never reaches the engine
	_, err := conn.Call(ctx, MethodExec, []any{`DROP TABLE secrets`}, nil).Wait(ctx)
	var cbErr *bridge.CallbackError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, SlotAuthorize, cbErr.Slot)

	rows := mustCall(t, conn, MethodQuery, `SELECT v FROM secrets`).(Rows)
	assert.Len(t, rows.Values, 1, "table must still exist")
}

func TestResource_HookFailureAbortsStatement(t *testing.T) {
	conn := startConn(t)
	ctx := context.Background()

	require.NoError(t, conn.RegisterCallback(SlotTrace, bridge.SyncHandler(
		func(callctx.Snapshot, []any) (any, error) {
			return nil, errors.New("trace store unavailable")
		})))

	_, err := conn.Call(ctx, MethodExec, []any{`CREATE TABLE t (n INTEGER)`}, nil).Wait(ctx)
	var cbErr *bridge.CallbackError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, SlotTrace, cbErr.Slot)
}

func TestOpen_BadPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "no", "such", "dir", "x.db"))
	require.Error(t, err)
}
