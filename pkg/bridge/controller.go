package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/asynclite/asynclite/pkg/callctx"
	"github.com/asynclite/asynclite/pkg/loop"
)

// DefaultPrefetch is the batch size for streaming results when not overridden.
const DefaultPrefetch = 64

// Options holds process-wide controller defaults.
type Options struct {
	DefaultTimeout time.Duration // applied to calls without an explicit deadline, 0 means none
	Prefetch       int           // default batch size for streaming results, 0 means DefaultPrefetch
	LoopBuffer     int           // run loop submission buffer
}

// Controller is the adapter between bridged connections and the run loop.
// One controller serves any number of connections; each connection owns
// exactly one worker. Async callbacks of all workers execute, strictly
// serialized, on the controller's single run-loop goroutine.
type Controller struct {
	opts Options
	loop *loop.Loop

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewController creates a controller and starts its run loop.
func NewController(opts Options) *Controller {
	if opts.Prefetch <= 0 {
		opts.Prefetch = DefaultPrefetch
	}
	return &Controller{
		opts:  opts,
		loop:  loop.New(opts.LoopBuffer),
		conns: make(map[string]*Conn),
	}
}

// Start spawns a worker, constructs the resource on the worker goroutine and
// returns the bound connection. Construction failure is returned here and
// the worker exits.
func (c *Controller) Start(ctx context.Context, factory ResourceFactory) (*Conn, error) {
	w := newWorker(uuid.New().String(), c)
	ready := make(chan error, 1)
	go w.run(factory, ready)

	select {
	case err := <-ready:
		if err != nil {
			return nil, fmt.Errorf("can't construct resource: %w", err)
		}
	case <-ctx.Done():
		// let the worker finish construction, then shut it down
		go func() {
			if err := <-ready; err == nil {
				w.submit(newCloseRequest())
			}
		}()
		return nil, ctx.Err()
	}

	conn := &Conn{ctrl: c, worker: w, opts: c.opts}
	c.mu.Lock()
	c.conns[w.id] = conn
	c.mu.Unlock()
	log.Printf("[INFO] connection %s started", w.id)
	return conn, nil
}

// Stop closes every connection still open and stops the run loop.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	conns := make([]*Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	errs := new(multierror.Error)
	for _, conn := range conns {
		if err := conn.Close(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	c.loop.Stop()
	return errs.ErrorOrNil()
}

func (c *Controller) forget(id string) {
	c.mu.Lock()
	delete(c.conns, id)
	c.mu.Unlock()
}

// pendingCallback is an outstanding async callback: the coroutine to run on
// the loop, its snapshot and deadline, and the one-shot result channel the
// blocked worker waits on.
type pendingCallback struct {
	worker   *worker
	slot     string
	fn       AsyncFunc
	args     []any
	snap     callctx.Snapshot
	deadline time.Time
	result   chan outcome
}

type workerKey struct{}

// workerFromContext returns the id of the worker whose callback is running
// in this context, tagged by runCoroutine.
func workerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(workerKey{}).(string)
	return id, ok
}

// runCoroutine posts the pending callback onto the run loop. Called from the
// worker goroutine; the coroutine body executes strictly on the loop
// goroutine with the originating call's snapshot and deadline applied to its
// context. The outcome lands in pc.result exactly once.
func (c *Controller) runCoroutine(pc *pendingCallback) {
	err := c.loop.Submit(func() {
		snap := pc.snap
		if !pc.deadline.IsZero() {
			snap = snap.WithDeadline(pc.deadline)
		}
		cctx, cancel := snap.Context(context.Background())
		defer cancel()
		cctx = context.WithValue(cctx, workerKey{}, pc.worker.id)

		val, err := runSafe(cctx, pc.fn, pc.args)
		pc.result <- outcome{val: val, err: err}
	})
	if err != nil {
		// loop already stopped, unblock the worker instead of hanging it
		pc.result <- outcome{err: ErrCanceled}
	}
}

func runSafe(ctx context.Context, fn AsyncFunc, args []any) (val any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in async callback: %v", p)
		}
	}()
	return fn(ctx, args)
}
