// Package workerpool provides a bounded task pool. It keeps background
// verification work from spawning one goroutine per chunk.
package workerpool

import (
	"context"
	"runtime"
	"sync"
)

// Pool runs submitted tasks on a fixed set of workers. Submit blocks when
// the queue is full, providing backpressure to producers.
type Pool struct {
	tasks     chan func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a pool with the given worker count and queue depth. Values
// below one fall back to defaults.
func New(workers, queueDepth int) *Pool {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if queueDepth < 1 {
		queueDepth = 64
	}

	p := &Pool{tasks: make(chan func(), queueDepth)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit enqueues a task, blocking until a queue slot frees up or ctx is
// done. Submitting to a closed pool panics, as sends on closed channels do;
// close the pool only after all producers stopped.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued work to drain.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
