// Package background runs fire-and-forget work detached from the request
// that spawned it. The response must not wait for these writes, but the
// process must not exit while they are in flight; the runner tracks every
// task so shutdown can drain them.
package background

import (
	"context"
	"log"
	"sync"
	"time"
)

const defaultTaskTimeout = 10 * time.Second

// Runner tracks detached tasks for draining at shutdown.
type Runner struct {
	wg      sync.WaitGroup
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewRunner returns a runner whose tasks are bounded by timeout. A
// non-positive timeout uses the default.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	return &Runner{timeout: timeout}
}

// Go runs fn in a goroutine with its own timeout-bound context, detached
// from any request context. Failures and panics are logged, never surfaced.
// After Shutdown the task is dropped.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	if r == nil || fn == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		log.Printf("background: %s dropped, runner shut down", name)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("background: %s panicked: %v", name, rec)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("background: %s failed: %v", name, err)
		}
	}()
}

// Shutdown stops accepting tasks and waits for in-flight tasks to finish, or
// for ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
