// Package loop runs submitted functions one at a time on a single dedicated
// goroutine, the in-process equivalent of an event-loop thread. Everything
// posted to the loop executes strictly serialized, in submission order.
package loop

import (
	"errors"
	"log"
	"sync"
)

// ErrStopped is returned by Submit after the loop has been stopped.
var ErrStopped = errors.New("loop: stopped")

// Loop is a single-goroutine executor. Create with New, feed with Submit,
// terminate with Stop. Safe for concurrent submitters.
type Loop struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New creates a started loop with the given submission buffer size.
func New(buffer int) *Loop {
	if buffer < 0 {
		buffer = 0
	}
	l := &Loop{
		tasks: make(chan func(), buffer),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		case <-l.quit:
			// run whatever was accepted before the stop, then exit
			for {
				select {
				case fn := <-l.tasks:
					l.exec(fn)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WARN] loop task panic recovered: %v", r)
		}
	}()
	fn()
}

// Submit posts fn for execution on the loop goroutine. Returns ErrStopped
// if the loop has been stopped; fn is never executed in that case.
func (l *Loop) Submit(fn func()) error {
	select {
	case <-l.quit:
		return ErrStopped
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.quit:
		return ErrStopped
	}
}

// Stop terminates the loop and waits for it to finish. Tasks accepted before
// Stop are still executed. Safe to call multiple times.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}
