// Package limiter bounds the number of concurrently running asynchronous
// tasks. Tasks start in submission order; completion order is unconstrained,
// and each task's outcome is observed through its own future.
package limiter

import (
	"context"
	"fmt"
	"sync"
)

const (
	minConcurrency = 1
	defaultBacklog = 256
)

type submission struct {
	ctx    context.Context
	task   func(ctx context.Context) error
	future *Future
}

// Executor runs submitted tasks with a fixed worker pool. A failed or
// panicking task fails only its own future; the executor keeps draining.
type Executor struct {
	queue chan submission
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewExecutor starts an executor running at most concurrency tasks at once.
func NewExecutor(concurrency int) *Executor {
	if concurrency < minConcurrency {
		concurrency = minConcurrency
	}

	e := &Executor{
		queue: make(chan submission, defaultBacklog),
	}
	for i := 0; i < concurrency; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for s := range e.queue {
		s.future.complete(runTask(s.ctx, s.task))
	}
}

func runTask(ctx context.Context, task func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	return task(ctx)
}

// Submit enqueues a task and returns its future. Start order follows
// submission order. Submitting to a closed executor yields an already
// failed future rather than a panic.
func (e *Executor) Submit(ctx context.Context, task func(ctx context.Context) error) *Future {
	f := &Future{done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		f.complete(fmt.Errorf("executor is closed"))
		return f
	}
	e.queue <- submission{ctx: ctx, task: task, future: f}
	e.mu.Unlock()

	return f
}

// Close stops accepting submissions and waits for queued tasks to drain.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	e.wg.Wait()
}

// Future resolves once its task has run.
type Future struct {
	done chan struct{}
	err  error
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Wait blocks until the task completes or ctx is done, returning the
// task's error.
func (f *Future) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return f.err
	}
}
