// Package workerpool wraps sourcegraph/conc's bounded goroutine pool. The
// server facade owns one Pool, sized by its worker count, and the session
// manager's broadcast fan-out dispatches through it instead of hand-rolled
// sync.WaitGroup bookkeeping; per-connection I/O does not run on it.
package workerpool

import (
	"github.com/sourcegraph/conc/pool"
)

// Pool bounds concurrent dispatch to a fixed number of goroutines, with
// panics inside a dispatched function recovered and re-raised on Wait so a
// single misbehaving handler cannot silently vanish or take the process
// down from a detached goroutine.
type Pool struct {
	p *pool.Pool
}

// New creates a Pool that runs at most maxGoroutines functions
// concurrently. maxGoroutines <= 0 means unbounded.
func New(maxGoroutines int) *Pool {
	p := pool.New()
	if maxGoroutines > 0 {
		p = p.WithMaxGoroutines(maxGoroutines)
	}
	return &Pool{p: p}
}

// Go schedules fn to run, blocking the caller only if the pool is already
// at its goroutine limit.
func (p *Pool) Go(fn func()) {
	p.p.Go(fn)
}

// Wait blocks until every scheduled function has returned. Any panic
// recovered from a scheduled function is re-raised here.
func (p *Pool) Wait() {
	p.p.Wait()
}
