package bridge

import (
	"sync"

	"github.com/eapache/queue"
)

// fifo is an unbounded FIFO of requests with a wake signal for the worker.
// Canceled entries are removed lazily, on dequeue.
type fifo struct {
	mu     sync.Mutex
	q      *queue.Queue
	wake   chan struct{}
	closed bool
}

func newFifo() *fifo {
	return &fifo{q: queue.New(), wake: make(chan struct{}, 1)}
}

// push enqueues r; false if the queue has been closed.
func (f *fifo) push(r *request) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.q.Add(r)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default: // a wake is already pending, the worker will drain
	}
	return true
}

// pop dequeues the next request, nil if empty.
func (f *fifo) pop() *request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.q.Length() == 0 {
		return nil
	}
	return f.q.Remove().(*request)
}

// closeAndDrain marks the queue closed and returns everything still queued.
// Pushes after this point are rejected.
func (f *fifo) closeAndDrain() []*request {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	rest := make([]*request, 0, f.q.Length())
	for f.q.Length() > 0 {
		rest = append(rest, f.q.Remove().(*request))
	}
	return rest
}
