package bridge

import (
	"errors"
	"fmt"
)

// sentinel errors, matched with errors.Is by callers to tell apart
// "took too long", "canceled", "closed" and "reentrant callback" outcomes
var (
	// ErrTimeout indicates a deadline expired waiting for a request or a callback.
	ErrTimeout = errors.New("bridge: deadline exceeded")
	// ErrCanceled indicates an explicit cancellation before or during execution.
	ErrCanceled = errors.New("bridge: canceled")
	// ErrClosed indicates an operation attempted after the connection was closed.
	ErrClosed = errors.New("bridge: connection closed")
	// ErrReentrant indicates an async callback tried to call back into its own
	// worker while the worker is blocked waiting for that same callback.
	ErrReentrant = errors.New("bridge: reentrant async callback")
)

var errEmptyHandler = errors.New("handler has no function")

// ResourceError reports a rejection by the underlying synchronous engine.
// Code carries the engine-specific error code when one is available, 0 otherwise.
type ResourceError struct {
	Method string
	Code   int
	Err    error
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("resource call %q failed with code %d: %v", e.Method, e.Code, e.Err)
	}
	return fmt.Sprintf("resource call %q failed: %v", e.Method, e.Err)
}

// Unwrap returns the underlying engine error.
func (e *ResourceError) Unwrap() error { return e.Err }

// CallbackError reports a failure inside a caller-supplied callback.
// Slot names the callback site, so engine failures and callback failures
// are never conflated.
type CallbackError struct {
	Slot string
	Err  error
}

// Error implements the error interface.
func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback %q failed: %v", e.Slot, e.Err)
}

// Unwrap returns the underlying callback error.
func (e *CallbackError) Unwrap() error { return e.Err }
