package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asynclite/asynclite/pkg/callctx"
)

// request states, terminal state is entered exactly once
const (
	stateQueued int32 = iota
	stateRunning
	stateDone
)

type outcome struct {
	val any
	err error
}

// request is a unit of work queued to a worker: a method call plus its
// snapshot, deadline and one-shot result slot.
type request struct {
	id       string
	method   string
	args     []any
	snap     callctx.Snapshot
	deadline time.Time // zero means none
	prefetch int
	close    bool // terminal close marker

	state atomic.Int32
	fut   *Future
}

func newRequest(id, method string, args []any, snap callctx.Snapshot, deadline time.Time, prefetch int) *request {
	r := &request{id: id, method: method, args: args, snap: snap, deadline: deadline, prefetch: prefetch}
	r.fut = &Future{id: id, deadline: deadline, ch: make(chan outcome, 1), req: r}
	return r
}

// resolve writes the result slot. The slot is written exactly once; later
// calls are ignored.
func (r *request) resolve(val any, err error) {
	r.fut.once.Do(func() {
		r.state.Store(stateDone)
		r.fut.ch <- outcome{val: val, err: err}
	})
}

// beginRun moves queued->running; false if the request was already canceled
// or otherwise finished while waiting in the queue.
func (r *request) beginRun() bool {
	return r.state.CompareAndSwap(stateQueued, stateRunning)
}

// tryCancel resolves a still-queued request as canceled. Best effort: a
// request that already started running cannot be canceled.
func (r *request) tryCancel() bool {
	if r.state.CompareAndSwap(stateQueued, stateDone) {
		r.resolve(nil, ErrCanceled)
		return true
	}
	return false
}

// Future is the awaitable side of a bridged call. The result slot is written
// exactly once by the worker; Wait never observes a half-written value.
type Future struct {
	id       string
	deadline time.Time
	ch       chan outcome
	req      *request
	once     sync.Once

	mu   sync.Mutex
	done bool
	res  outcome
}

// ID returns the request id, usable for log correlation.
func (f *Future) ID() string { return f.id }

// Wait blocks until the call resolves, its deadline expires or ctx is
// canceled. Repeated calls after resolution return the cached result.
// Canceling ctx before the worker started the call resolves the request as
// canceled; a call already executing runs to completion on the worker and
// its late result is discarded.
func (f *Future) Wait(ctx context.Context) (any, error) {
	f.mu.Lock()
	if f.done {
		defer f.mu.Unlock()
		return f.res.val, f.res.err
	}
	f.mu.Unlock()

	var expire <-chan time.Time
	if !f.deadline.IsZero() {
		t := time.NewTimer(time.Until(f.deadline))
		defer t.Stop()
		expire = t.C
	}

	select {
	case o := <-f.ch:
		return f.latch(o)
	case <-expire:
		// the worker side shares the same absolute deadline; whichever timer
		// fires first is authoritative and the late result is discarded
		return f.latch(outcome{err: ErrTimeout})
	case <-ctx.Done():
		if f.req != nil {
			f.req.tryCancel()
		}
		return f.latch(outcome{err: ErrCanceled})
	}
}

// latch records o as the future's terminal state unless one is set already,
// and returns the state that won. Terminal states are final: once a waiter
// observed a timeout or cancellation, a late worker result never surfaces,
// and the first waiter to consume the real result wins over a racing timer.
func (f *Future) latch(o outcome) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done {
		f.done, f.res = true, o
	}
	return f.res.val, f.res.err
}
