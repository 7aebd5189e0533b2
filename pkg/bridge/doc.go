// Package bridge lets asynchronous callers drive a synchronous,
// single-session resource, one dedicated worker goroutine per resource.
//
// Callers submit method calls through a Conn and await a Future; the worker
// executes them strictly in submission order against the resource. When the
// resource invokes a caller-supplied callback registered as async, the
// worker blocks while the callback body runs on the controller's run loop,
// then resumes with its result. Deadlines bound every cross-goroutine wait
// on both sides.
//
// The resource is protocol-confined: nothing outside the worker goroutine
// ever calls into it. The only mutable structures crossing goroutines are
// one-shot result slots, each written exactly once.
package bridge
