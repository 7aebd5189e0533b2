package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// worker owns one resource and serializes every call into it. It runs on a
// dedicated OS-thread-locked goroutine; the resource is constructed there
// and never touched from anywhere else.
type worker struct {
	id       string
	ctrl     *Controller
	queue    *fifo
	registry *xsync.MapOf[string, Handler]
	res      Resource

	pending atomic.Bool // an async callback is outstanding, worker is blocked on it
	closing atomic.Bool // close requested, backlog is rejected from here on
	closed  atomic.Bool // close marker accepted, no more submissions
	done    chan struct{}
}

func newWorker(id string, ctrl *Controller) *worker {
	return &worker{
		id:       id,
		ctrl:     ctrl,
		queue:    newFifo(),
		registry: xsync.NewMapOf[string, Handler](),
		done:     make(chan struct{}),
	}
}

// submit enqueues a request; resolves it with ErrClosed if the worker is
// shut down. Never blocks and never drops a request silently.
func (w *worker) submit(r *request) {
	if w.closed.Load() && !r.close {
		rejectedTotal.Inc()
		r.resolve(nil, ErrClosed)
		return
	}
	if !w.queue.push(r) {
		rejectedTotal.Inc()
		r.resolve(nil, ErrClosed)
	}
}

// run is the worker's execution loop. The factory runs here so the resource
// is born on its owning goroutine; the construction error (nil on success)
// is reported through ready.
func (w *worker) run(factory ResourceFactory, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	res, err := factory()
	ready <- err
	if err != nil {
		w.reject(w.queue.closeAndDrain())
		return
	}
	w.res = res
	log.Printf("[DEBUG] worker %s started", w.id)

	for {
		r := w.queue.pop()
		if r == nil {
			<-w.queue.wake
			continue
		}
		if r.close {
			w.shutdown(r)
			return
		}
		if w.closing.Load() {
			// close was requested while this request sat in the queue
			w.reject([]*request{r})
			continue
		}
		w.execute(r)
	}
}

// execute runs a single request against the resource. Errors and panics are
// captured per-request; the loop always proceeds to the next one.
func (w *worker) execute(r *request) {
	if !r.beginRun() {
		return // canceled while queued
	}
	if r.snap.Canceled() {
		r.resolve(nil, ErrCanceled)
		return
	}
	if !r.deadline.IsZero() && time.Now().After(r.deadline) {
		// expired before the resource was ever invoked
		timeoutsTotal.Inc()
		r.resolve(nil, ErrTimeout)
		return
	}

	st := time.Now()
	requestsTotal.Inc()
	env := &Env{worker: w, snap: r.snap, deadline: r.deadline, prefetch: r.prefetch, reqID: r.id}
	val, err := w.safeCall(env, r.method, r.args)
	requestDuration.UpdateDuration(st)
	r.resolve(val, err)
}

func (w *worker) safeCall(env *Env, method string, args []any) (val any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in resource call %q: %v", method, p)
		}
	}()
	return w.res.Call(env, method, args)
}

// shutdown processes the terminal close marker: closes the resource, then
// rejects everything still queued with ErrClosed.
func (w *worker) shutdown(r *request) {
	w.closing.Store(true)
	w.closed.Store(true)
	err := w.res.Close()
	if err != nil {
		err = fmt.Errorf("can't close resource: %w", err)
	}
	w.reject(w.queue.closeAndDrain())
	r.resolve(nil, err)
	log.Printf("[DEBUG] worker %s stopped", w.id)
}

func (w *worker) reject(rest []*request) {
	for _, q := range rest {
		rejectedTotal.Inc()
		q.resolve(nil, ErrClosed)
	}
}

// marshalAsync hands an async callback to the controller's run loop and
// blocks the worker goroutine until a result, cancellation or the deadline
// arrives. At most one pending callback exists per worker; the resource's
// own single-call invariant guarantees no second one can start.
func (w *worker) marshalAsync(env *Env, slot string, fn AsyncFunc, args []any) (any, error) {
	pc := &pendingCallback{
		worker:   w,
		slot:     slot,
		fn:       fn,
		args:     args,
		snap:     env.snap,
		deadline: env.deadline,
		result:   make(chan outcome, 1),
	}

	if !w.pending.CompareAndSwap(false, true) {
		return nil, &CallbackError{Slot: slot, Err: ErrReentrant}
	}
	defer w.pending.Store(false)

	callbacksTotal.Inc()
	w.ctrl.runCoroutine(pc)

	var expire <-chan time.Time
	if !pc.deadline.IsZero() {
		t := time.NewTimer(time.Until(pc.deadline))
		defer t.Stop()
		expire = t.C
	}

	select {
	case o := <-pc.result:
		if o.err != nil {
			return nil, wrapCallbackErr(slot, o.err)
		}
		return o.val, nil
	case <-expire:
		// authoritative on this side; the loop side cancels the coroutine's
		// context at the same absolute deadline and its late outcome is dropped
		timeoutsTotal.Inc()
		return nil, ErrTimeout
	}
}

func wrapCallbackErr(slot string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return ErrTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCanceled):
		return ErrCanceled
	default:
		return &CallbackError{Slot: slot, Err: err}
	}
}
