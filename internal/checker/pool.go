package checker

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// WorkerPool runs submitted tasks on a fixed number of goroutines, bounding
// the number of concurrent outbound probes.
type WorkerPool struct {
	jobs     chan func()
	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorkerPool creates a new worker pool and starts its workers.
func NewWorkerPool(maxConcurrency int) *WorkerPool {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	pool := &WorkerPool{
		jobs: make(chan func()),
		quit: make(chan struct{}),
	}
	pool.startWorkers(maxConcurrency)
	return pool
}

// startWorkers launches the worker goroutines.
func (p *WorkerPool) startWorkers(count int) {
	p.wg.Add(count)
	for i := 0; i < count; i++ {
		go func() {
			defer p.wg.Done()
			for {
				select {
				case task := <-p.jobs:
					task()
				case <-p.quit:
					return
				}
			}
		}()
	}
}

// Submit hands task to an idle worker, blocking until one is free, ctx is
// done or the pool is stopped.
func (p *WorkerPool) Submit(ctx context.Context, task func()) error {
	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}
	select {
	case p.jobs <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolStopped
	}
}

// Stop stops all workers after their current task returns.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()
	})
}
