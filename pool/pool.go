package pool

import (
	"context"
	"sync"
)

// WorkerPool bounds the number of tasks running at once.
type WorkerPool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &WorkerPool{
		sem: make(chan struct{}, maxWorkers),
	}
}

// Acquire blocks until a slot is free. It returns false if ctx ends first.
func (p *WorkerPool) Acquire(ctx context.Context) bool {
	select {
	case p.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release frees a slot taken with Acquire that was not handed to Go.
func (p *WorkerPool) Release() {
	<-p.sem
}

// Go runs task in a goroutine holding a slot previously taken with Acquire.
func (p *WorkerPool) Go(task func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		task()
	}()
}

// Submit waits for a slot and runs task. Tasks submitted after ctx ends are dropped.
func (p *WorkerPool) Submit(ctx context.Context, task func(context.Context)) bool {
	if !p.Acquire(ctx) {
		return false
	}
	p.Go(func() { task(ctx) })
	return true
}

func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
