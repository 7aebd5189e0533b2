package bridge

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/asynclite/asynclite/pkg/callctx"
)

// Conn is a bound connection: the async side of one worker-owned resource.
// All methods are safe for concurrent use from any goroutine.
type Conn struct {
	ctrl   *Controller
	worker *worker
	opts   Options
	closed atomic.Bool
}

// CallOpts tunes a single call. Deadline wins over Timeout; with neither set
// the controller's default timeout applies.
type CallOpts struct {
	Timeout  time.Duration  // relative deadline for this call
	Deadline time.Time      // absolute deadline, overrides Timeout
	Prefetch int            // batch size for streaming results, 0 means controller default
	Values   map[string]any // extra values carried in the context snapshot
}

// ID returns the connection (and worker) id.
func (c *Conn) ID() string { return c.worker.id }

// Call submits a method call to the worker and returns its future. Requests
// from one connection execute in submission order. A deadline already
// expired at submission resolves ErrTimeout without touching the resource;
// calling from an async callback of this same connection while its worker is
// blocked resolves ErrReentrant instead of deadlocking.
func (c *Conn) Call(ctx context.Context, method string, args []any, opts *CallOpts) *Future {
	if opts == nil {
		opts = &CallOpts{}
	}

	deadline := opts.Deadline
	if deadline.IsZero() && opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}
	if deadline.IsZero() && c.opts.DefaultTimeout > 0 {
		deadline = time.Now().Add(c.opts.DefaultTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = c.opts.Prefetch
	}

	snap := callctx.Capture(ctx, opts.Values)
	if !deadline.IsZero() {
		snap = snap.WithDeadline(deadline)
	}
	r := newRequest(uuid.New().String(), method, args, snap, deadline, prefetch)

	// deadlock lint: submission from this worker's own outstanding callback
	if wid, ok := workerFromContext(ctx); ok && wid == c.worker.id && c.worker.pending.Load() {
		log.Printf("[WARN] reentrant call %q to connection %s from its own async callback", method, c.worker.id)
		r.resolve(nil, ErrReentrant)
		return r.fut
	}

	if c.closed.Load() {
		r.resolve(nil, ErrClosed)
		return r.fut
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		timeoutsTotal.Inc()
		r.resolve(nil, ErrTimeout)
		return r.fut
	}

	c.worker.submit(r)
	return r.fut
}

// RegisterCallback binds a handler to a named callback slot. The sync/async
// form is fixed here, at registration. Re-registering a slot replaces the
// previous handler.
func (c *Conn) RegisterCallback(slot string, h Handler) error {
	if !h.valid() {
		return &CallbackError{Slot: slot, Err: errEmptyHandler}
	}
	if c.closed.Load() {
		return ErrClosed
	}
	c.worker.registry.Store(slot, h)
	return nil
}

// UnregisterCallback removes the handler for slot, if any.
func (c *Conn) UnregisterCallback(slot string) {
	c.worker.registry.Delete(slot)
}

// Close submits the terminal close marker and waits for the worker to shut
// down. Requests still queued behind the marker resolve ErrClosed; later
// submissions are rejected immediately. Subsequent Close calls return nil.
func (c *Conn) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer c.ctrl.forget(c.worker.id)

	c.worker.closing.Store(true) // requests already queued resolve ErrClosed
	r := newCloseRequest()
	c.worker.submit(r)
	if _, err := r.fut.Wait(ctx); err != nil {
		return err
	}

	select {
	case <-c.worker.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newCloseRequest() *request {
	r := newRequest(uuid.New().String(), "close", nil, callctx.Snapshot{}, time.Time{}, 0)
	r.close = true
	return r
}
