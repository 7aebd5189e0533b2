// Package sqlite adapts a single sqlite session to the bridge's Resource
// protocol. One Resource wraps one *sql.Conn, so every statement of a
// bridged connection runs in the same sqlite session; the worker goroutine
// is the only caller, per the bridge's confinement rules.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	sqlite3 "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/asynclite/asynclite/pkg/bridge"
)

// callback slots invoked by the resource
const (
	SlotTrace     = "trace"     // called with the statement text before execution
	SlotAuthorize = "authorize" // may veto a statement by returning false
)

// supported method names
const (
	MethodExec        = "exec"
	MethodQuery       = "query"
	MethodCursor      = "cursor"
	MethodFetch       = "fetch"
	MethodCloseCursor = "close_cursor"
	MethodBegin       = "begin"
	MethodCommit      = "commit"
	MethodRollback    = "rollback"
	MethodLastInsert  = "last_insert_id"
)

// ExecResult is returned by the exec method.
type ExecResult struct {
	RowsAffected int64
	LastInsertID int64
}

// Rows is the full result of the query method.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Batch is one prefetched portion of a cursor. EOF marks the last batch;
// the cursor is closed and removed once EOF is returned.
type Batch struct {
	Columns []string
	Values  [][]any
	EOF     bool
}

// Resource implements bridge.Resource over a single sqlite session.
type Resource struct {
	db      *sql.DB
	conn    *sql.Conn
	tx      *sql.Tx
	cursors map[string]*cursor
}

type cursor struct {
	rows *sql.Rows
	cols []string
}

// Factory returns a bridge.ResourceFactory opening the given sqlite DSN.
// The open happens on the worker goroutine.
func Factory(dsn string) bridge.ResourceFactory {
	return func() (bridge.Resource, error) { return Open(dsn) }
}

// Open opens a single-session sqlite resource. The pool is pinned to one
// connection so the session state (transactions, temp tables, pragmas)
// is stable across calls.
func Open(dsn string) (*Resource, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("can't open database %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("can't acquire connection for %q: %w", dsn, err)
	}
	log.Printf("[DEBUG] sqlite session opened for %q", dsn)
	return &Resource{db: db, conn: conn, cursors: make(map[string]*cursor)}, nil
}

// Call dispatches a bridged method. Engine rejections come back as
// *bridge.ResourceError with the sqlite result code attached.
func (r *Resource) Call(env *bridge.Env, method string, args []any) (any, error) {
	switch method {
	case MethodExec:
		return r.exec(env, args)
	case MethodQuery:
		return r.query(env, args)
	case MethodCursor:
		return r.openCursor(env, args)
	case MethodFetch:
		return r.fetch(env, args)
	case MethodCloseCursor:
		return nil, r.closeCursor(args)
	case MethodBegin:
		return nil, r.begin()
	case MethodCommit:
		return nil, r.commit()
	case MethodRollback:
		return nil, r.rollback()
	case MethodLastInsert:
		return r.lastInsertID()
	default:
		return nil, &bridge.ResourceError{Method: method, Err: fmt.Errorf("unknown method")}
	}
}

// hooks runs the trace and authorize callbacks for a statement. Both are
// optional; a veto or a callback failure aborts the statement before it
// reaches the engine.
func (r *Resource) hooks(env *bridge.Env, stmt string) error {
	if env.HasCallback(SlotTrace) {
		if _, err := env.Callback(SlotTrace, stmt); err != nil {
			return err
		}
	}
	if env.HasCallback(SlotAuthorize) {
		verdict, err := env.Callback(SlotAuthorize, stmt)
		if err != nil {
			return err
		}
		if allowed, ok := verdict.(bool); ok && !allowed {
			return &bridge.CallbackError{Slot: SlotAuthorize, Err: errors.New("statement vetoed")}
		}
	}
	return nil
}

func (r *Resource) exec(env *bridge.Env, args []any) (any, error) {
	stmt, bind, err := stmtArgs(MethodExec, args)
	if err != nil {
		return nil, err
	}
	if err := r.hooks(env, stmt); err != nil {
		return nil, err
	}

	// deliberately not the call's deadline context: a started engine call
	// always runs to completion, late results are discarded at the future
	res, err := r.execer().ExecContext(context.Background(), stmt, bind...)
	if err != nil {
		return nil, engineErr(MethodExec, err)
	}
	out := ExecResult{}
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	return out, nil
}

func (r *Resource) query(env *bridge.Env, args []any) (any, error) {
	stmt, bind, err := stmtArgs(MethodQuery, args)
	if err != nil {
		return nil, err
	}
	if err := r.hooks(env, stmt); err != nil {
		return nil, err
	}

	rows, err := r.execer().QueryContext(context.Background(), stmt, bind...)
	if err != nil {
		return nil, engineErr(MethodQuery, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, engineErr(MethodQuery, err)
	}

	out := Rows{Columns: cols}
	for {
		batch, eof, err := readBatch(rows, len(cols), env.Prefetch())
		if err != nil {
			return nil, engineErr(MethodQuery, err)
		}
		out.Values = append(out.Values, batch...)
		if eof {
			return out, nil
		}
	}
}

// openCursor starts a streamed query and returns the cursor id. Rows are
// pulled in fetch batches to amortize bridge round trips.
func (r *Resource) openCursor(env *bridge.Env, args []any) (any, error) {
	stmt, bind, err := stmtArgs(MethodCursor, args)
	if err != nil {
		return nil, err
	}
	if err := r.hooks(env, stmt); err != nil {
		return nil, err
	}

	rows, err := r.execer().QueryContext(context.Background(), stmt, bind...)
	if err != nil {
		return nil, engineErr(MethodCursor, err)
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, engineErr(MethodCursor, err)
	}

	id := uuid.New().String()
	r.cursors[id] = &cursor{rows: rows, cols: cols}
	log.Printf("[DEBUG] cursor %s opened", id)
	return id, nil
}

func (r *Resource) fetch(env *bridge.Env, args []any) (any, error) {
	id, err := cursorID(MethodFetch, args)
	if err != nil {
		return nil, err
	}
	cur, ok := r.cursors[id]
	if !ok {
		return nil, &bridge.ResourceError{Method: MethodFetch, Err: fmt.Errorf("cursor %q not found", id)}
	}

	values, eof, err := readBatch(cur.rows, len(cur.cols), env.Prefetch())
	if err != nil {
		_ = cur.rows.Close()
		delete(r.cursors, id)
		return nil, engineErr(MethodFetch, err)
	}
	if eof {
		_ = cur.rows.Close()
		delete(r.cursors, id)
	}
	return Batch{Columns: cur.cols, Values: values, EOF: eof}, nil
}

func (r *Resource) closeCursor(args []any) error {
	id, err := cursorID(MethodCloseCursor, args)
	if err != nil {
		return err
	}
	cur, ok := r.cursors[id]
	if !ok {
		return nil // already gone, closing twice is not an error
	}
	delete(r.cursors, id)
	if err := cur.rows.Close(); err != nil {
		return engineErr(MethodCloseCursor, err)
	}
	return nil
}

func (r *Resource) begin() error {
	if r.tx != nil {
		return &bridge.ResourceError{Method: MethodBegin, Err: errors.New("transaction already active")}
	}
	tx, err := r.conn.BeginTx(context.Background(), nil)
	if err != nil {
		return engineErr(MethodBegin, err)
	}
	r.tx = tx
	return nil
}

func (r *Resource) commit() error {
	if r.tx == nil {
		return &bridge.ResourceError{Method: MethodCommit, Err: errors.New("no active transaction")}
	}
	err := r.tx.Commit()
	r.tx = nil
	if err != nil {
		return engineErr(MethodCommit, err)
	}
	return nil
}

func (r *Resource) rollback() error {
	if r.tx == nil {
		return &bridge.ResourceError{Method: MethodRollback, Err: errors.New("no active transaction")}
	}
	err := r.tx.Rollback()
	r.tx = nil
	if err != nil {
		return engineErr(MethodRollback, err)
	}
	return nil
}

// lastInsertID reads the session's last inserted rowid. Meaningful because
// the whole session is pinned to a single connection.
func (r *Resource) lastInsertID() (any, error) {
	var id int64
	row := r.execer().QueryRowContext(context.Background(), `SELECT last_insert_rowid()`)
	if err := row.Scan(&id); err != nil {
		return nil, engineErr(MethodLastInsert, err)
	}
	return id, nil
}

// Close releases everything the session holds: cursors, an uncommitted
// transaction (rolled back), the pinned connection and the pool.
func (r *Resource) Close() error {
	errs := new(multierror.Error)
	for id, cur := range r.cursors {
		if err := cur.rows.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("can't close cursor %s: %w", id, err))
		}
	}
	r.cursors = map[string]*cursor{}
	if r.tx != nil {
		if err := r.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = multierror.Append(errs, fmt.Errorf("can't rollback transaction: %w", err))
		}
		r.tx = nil
	}
	if err := r.conn.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("can't close connection: %w", err))
	}
	if err := r.db.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("can't close database: %w", err))
	}
	return errs.ErrorOrNil()
}

// queryExecer covers *sql.Conn and *sql.Tx
type queryExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Resource) execer() queryExecer {
	if r.tx != nil {
		return r.tx
	}
	return r.conn
}

// readBatch scans up to limit rows; eof is true when the row set is exhausted.
func readBatch(rows *sql.Rows, ncols, limit int) (values [][]any, eof bool, err error) {
	if limit <= 0 {
		limit = bridge.DefaultPrefetch
	}
	values = make([][]any, 0, limit)
	for len(values) < limit {
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return nil, false, err
			}
			return values, true, nil
		}
		row := make([]any, ncols)
		ptrs := make([]any, ncols)
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, false, err
		}
		values = append(values, row)
	}
	return values, false, nil
}

func stmtArgs(method string, args []any) (stmt string, bind []any, err error) {
	if len(args) == 0 {
		return "", nil, &bridge.ResourceError{Method: method, Err: errors.New("missing statement")}
	}
	stmt, ok := args[0].(string)
	if !ok {
		return "", nil, &bridge.ResourceError{Method: method, Err: fmt.Errorf("statement must be a string, got %T", args[0])}
	}
	return stmt, args[1:], nil
}

func cursorID(method string, args []any) (string, error) {
	if len(args) == 0 {
		return "", &bridge.ResourceError{Method: method, Err: errors.New("missing cursor id")}
	}
	id, ok := args[0].(string)
	if !ok {
		return "", &bridge.ResourceError{Method: method, Err: fmt.Errorf("cursor id must be a string, got %T", args[0])}
	}
	return id, nil
}

// engineErr wraps a driver error, keeping the sqlite result code when present.
// Callback failures raised by hooks pass through untouched.
func engineErr(method string, err error) error {
	var cbErr *bridge.CallbackError
	if errors.As(err, &cbErr) {
		return err
	}
	code := 0
	var liteErr *sqlite3.Error
	if errors.As(err, &liteErr) {
		code = liteErr.Code()
	}
	return &bridge.ResourceError{Method: method, Code: code, Err: err}
}
