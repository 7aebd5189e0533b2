package bridge

import (
	"fmt"
	"time"

	"github.com/asynclite/asynclite/pkg/callctx"
)

// Resource is the synchronous handle being bridged. It is protocol-confined:
// only the worker goroutine that constructed it ever calls into it, one call
// at a time. Implementations dispatch on method name and may invoke
// registered callbacks through env.
type Resource interface {
	Call(env *Env, method string, args []any) (any, error)
	Close() error
}

// ResourceFactory constructs the resource. It is executed on the worker
// goroutine, because all later calls are confined there.
type ResourceFactory func() (Resource, error)

// Env is handed to the resource on every call. It carries the call's context
// snapshot and gives the resource access to registered callbacks.
type Env struct {
	worker   *worker
	snap     callctx.Snapshot
	deadline time.Time
	prefetch int
	reqID    string
}

// Snapshot returns the immutable context snapshot of the originating call.
func (e *Env) Snapshot() callctx.Snapshot { return e.snap }

// Prefetch returns the batch size for streaming results of this call.
func (e *Env) Prefetch() int { return e.prefetch }

// RequestID returns the id of the originating request.
func (e *Env) RequestID() string { return e.reqID }

// HasCallback reports if a handler is registered for the slot.
func (e *Env) HasCallback(slot string) bool {
	_, ok := e.worker.registry.Load(slot)
	return ok
}

// Callback invokes the handler registered for slot. A sync handler runs
// directly on the worker goroutine; an async handler is marshaled to the
// controller's run loop while the worker blocks, bounded by the call's
// deadline. Handler failures come back as *CallbackError; an expired wait
// comes back as ErrTimeout and the resource decides how to propagate it.
func (e *Env) Callback(slot string, args ...any) (any, error) {
	h, ok := e.worker.registry.Load(slot)
	if !ok {
		return nil, &CallbackError{Slot: slot, Err: fmt.Errorf("no handler registered")}
	}

	if !h.IsAsync() {
		val, err := h.sync(e.snap, args)
		if err != nil {
			return nil, &CallbackError{Slot: slot, Err: err}
		}
		return val, nil
	}

	return e.worker.marshalAsync(e, slot, h.async, args)
}
