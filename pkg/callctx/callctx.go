// Package callctx provides immutable snapshots of caller configuration.
// A snapshot is taken once at submission time and carried across the
// goroutine boundary by value; mutating the caller's ambient context after
// submission never affects an in-flight call.
package callctx

import (
	"context"
	"sort"
	"time"
)

// Snapshot is an immutable copy of caller-local settings: arbitrary values,
// an absolute deadline and a cancellation token. The zero value is a valid
// empty snapshot with no deadline and no cancellation.
type Snapshot struct {
	values   map[string]any
	deadline time.Time
	done     <-chan struct{}
}

// Capture makes a snapshot from the given context and values. The values map
// is copied, the context contributes its deadline and cancellation channel.
func Capture(ctx context.Context, values map[string]any) Snapshot {
	s := Snapshot{done: ctx.Done()}
	if dl, ok := ctx.Deadline(); ok {
		s.deadline = dl
	}
	if len(values) > 0 {
		s.values = make(map[string]any, len(values))
		for k, v := range values {
			s.values[k] = v
		}
	}
	return s
}

// Value returns the value stored under key and whether it is present.
func (s Snapshot) Value(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Keys returns all value keys, sorted.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WithValue returns a copy of the snapshot with key set to v.
// The receiver is not modified.
func (s Snapshot) WithValue(key string, v any) Snapshot {
	values := make(map[string]any, len(s.values)+1)
	for k, val := range s.values {
		values[k] = val
	}
	values[key] = v
	return Snapshot{values: values, deadline: s.deadline, done: s.done}
}

// WithDeadline returns a copy of the snapshot with the given absolute deadline.
// If the snapshot already has an earlier deadline, it is kept.
func (s Snapshot) WithDeadline(dl time.Time) Snapshot {
	if !s.deadline.IsZero() && s.deadline.Before(dl) {
		return s
	}
	return Snapshot{values: s.values, deadline: dl, done: s.done}
}

// Deadline returns the absolute deadline and whether one is set.
func (s Snapshot) Deadline() (time.Time, bool) {
	return s.deadline, !s.deadline.IsZero()
}

// Expired reports if the deadline is set and has passed at the given moment.
func (s Snapshot) Expired(now time.Time) bool {
	return !s.deadline.IsZero() && now.After(s.deadline)
}

// Done returns the cancellation channel captured from the caller's context.
// May be nil, which blocks forever, i.e. no cancellation.
func (s Snapshot) Done() <-chan struct{} {
	return s.done
}

// Canceled reports if the captured cancellation token has fired.
func (s Snapshot) Canceled() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

type snapshotKey struct{}

// Context materializes the snapshot into a child of parent: the deadline is
// applied if set, the captured cancellation token propagates as context
// cancellation, and the snapshot itself is retrievable with FromContext.
// The returned cancel must be called to release the deadline timer and the
// propagation goroutine.
func (s Snapshot) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx := context.WithValue(parent, snapshotKey{}, s)
	var cancel context.CancelFunc
	if s.deadline.IsZero() {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithDeadline(ctx, s.deadline)
	}
	if s.done != nil {
		go func() {
			select {
			case <-s.done:
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return ctx, cancel
}

// FromContext returns the snapshot embedded by Context, if any.
func FromContext(ctx context.Context) (Snapshot, bool) {
	s, ok := ctx.Value(snapshotKey{}).(Snapshot)
	return s, ok
}
