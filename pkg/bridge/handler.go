package bridge

import (
	"context"

	"github.com/asynclite/asynclite/pkg/callctx"
)

// SyncFunc is a callback executed directly on the worker goroutine,
// inside the resource call that triggered it. It must not block on the
// run loop or call back into the same connection.
type SyncFunc func(snap callctx.Snapshot, args []any) (any, error)

// AsyncFunc is a callback executed on the controller's run loop while the
// worker goroutine blocks waiting for its result. The context carries the
// deadline and the snapshot of the originating call (callctx.FromContext).
type AsyncFunc func(ctx context.Context, args []any) (any, error)

// Handler is a tagged sync-or-async callback variant. The form is decided
// once at registration time, never re-detected per invocation.
type Handler struct {
	sync  SyncFunc
	async AsyncFunc
}

// SyncHandler makes a handler running on the worker goroutine.
func SyncHandler(fn SyncFunc) Handler { return Handler{sync: fn} }

// AsyncHandler makes a handler routed through the run loop.
func AsyncHandler(fn AsyncFunc) Handler { return Handler{async: fn} }

// IsAsync reports if the handler is the async variant.
func (h Handler) IsAsync() bool { return h.async != nil }

func (h Handler) valid() bool { return h.sync != nil || h.async != nil }
