package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	p := NewWorkerPool(2)
	ctx := context.Background()

	var running, peak int32
	for i := 0; i < 8; i++ {
		p.Submit(ctx, func(context.Context) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
	}
	p.Wait()

	if peak > 2 {
		t.Errorf("Expected at most 2 concurrent tasks, got %d", peak)
	}
}

func TestWorkerPool_SubmitAfterCancel(t *testing.T) {
	p := NewWorkerPool(1)
	ctx, cancel := context.WithCancel(context.Background())

	block := make(chan struct{})
	p.Submit(ctx, func(context.Context) { <-block })
	cancel()

	if p.Submit(ctx, func(context.Context) { t.Error("task must not run") }) {
		t.Error("Expected Submit to report false after cancel")
	}

	close(block)
	p.Wait()
}
