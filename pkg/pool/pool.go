// Package pool keeps a fixed set of bridged connections for callers that
// want concurrent reads over the same database. Each connection still owns
// its single worker; the pool only hands them out one borrower at a time.
package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/go-pkgz/syncs"
	"github.com/hashicorp/go-multierror"

	"github.com/asynclite/asynclite/pkg/bridge"
)

// Pool is a fixed-size set of bridged connections.
type Pool struct {
	free   chan *bridge.Conn
	conns  []*bridge.Conn
	closed atomic.Bool
}

// New opens size connections through the controller, in parallel, and
// returns the pool. If any open fails, the already-opened connections are
// closed and the first error is returned.
func New(ctx context.Context, ctrl *bridge.Controller, factory bridge.ResourceFactory, size int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}

	p := &Pool{free: make(chan *bridge.Conn, size)}
	var mu sync.Mutex

	wg := syncs.NewErrSizedGroup(size, syncs.Context(ctx), syncs.Preemptive)
	for i := 0; i < size; i++ {
		wg.Go(func() error {
			conn, err := ctrl.Start(ctx, factory)
			if err != nil {
				return fmt.Errorf("can't open pooled connection: %w", err)
			}
			mu.Lock()
			p.conns = append(p.conns, conn)
			mu.Unlock()
			p.free <- conn
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		_ = p.Close(context.Background())
		return nil, err
	}
	log.Printf("[INFO] pool ready with %d connections", size)
	return p, nil
}

// Get borrows a connection, blocking until one is free or ctx ends.
func (p *Pool) Get(ctx context.Context) (*bridge.Conn, error) {
	if p.closed.Load() {
		return nil, bridge.ErrClosed
	}
	select {
	case conn := <-p.free:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a borrowed connection. Returning after Close is a no-op.
func (p *Pool) Put(conn *bridge.Conn) {
	if p.closed.Load() {
		return
	}
	select {
	case p.free <- conn:
	default:
		log.Printf("[WARN] pool put of %s ignored, pool full", conn.ID())
	}
}

// Close shuts every pooled connection down and aggregates their errors.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	errs := new(multierror.Error)
	for _, conn := range p.conns {
		if err := conn.Close(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("can't close connection %s: %w", conn.ID(), err))
		}
	}
	return errs.ErrorOrNil()
}

// Size returns the number of pooled connections.
func (p *Pool) Size() int { return len(p.conns) }
