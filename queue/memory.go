package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"shortsDownloader/pool"
)

// MemoryQueue is an in-process queue with the same retry and dead-letter
// semantics as the durable backends. Messages do not survive a restart.
type MemoryQueue struct {
	policy      RetryPolicy
	concurrency int
	logger      *zap.Logger

	ready chan *Message
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	dead    []*Message
	pending int
	timers  map[*time.Timer]struct{}
}

func NewMemoryQueue(policy RetryPolicy, concurrency, capacity int, logger *zap.Logger) *MemoryQueue {
	if capacity < 1 {
		capacity = 100
	}
	return &MemoryQueue{
		policy:      policy.Normalize(),
		concurrency: concurrency,
		logger:      logger,
		ready:       make(chan *Message, capacity),
		done:        make(chan struct{}),
		timers:      make(map[*time.Timer]struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	m := *msg

	q.mu.Lock()
	q.pending++
	q.mu.Unlock()

	if err := q.push(ctx, &m); err != nil {
		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
		return err
	}
	return nil
}

func (q *MemoryQueue) push(ctx context.Context, msg *Message) error {
	select {
	case q.ready <- msg:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	p := pool.NewWorkerPool(q.concurrency)
	defer p.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case msg := <-q.ready:
			if !p.Submit(ctx, func(ctx context.Context) { q.handle(ctx, msg, handler) }) {
				q.requeue(msg)
				return nil
			}
		}
	}
}

func (q *MemoryQueue) handle(ctx context.Context, msg *Message, handler Handler) {
	err := handler(ctx, msg)
	if err != nil && ctx.Err() != nil {
		q.requeue(msg)
		return
	}

	outcome, delay := q.policy.Decide(msg.Attempt, err)
	switch outcome {
	case OutcomeAck:
		q.finish()
	case OutcomeRetry:
		next := msg.retry(err, delay, time.Now())
		q.logger.Info("Scheduling retry",
			zap.String("job_id", msg.JobID),
			zap.Int("attempt", next.Attempt),
			zap.Duration("delay", delay),
		)
		q.schedule(next, delay)
	case OutcomeRequeue:
		q.logger.Warn("Requeueing attempt",
			zap.String("job_id", msg.JobID),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err),
		)
		q.schedule(msg.requeue(err, delay, time.Now()), delay)
	case OutcomeDeadLetter:
		q.logger.Warn("Message dead-lettered",
			zap.String("job_id", msg.JobID),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err),
		)
		q.mu.Lock()
		q.dead = append(q.dead, msg.dead(err))
		q.mu.Unlock()
		q.finish()
	}
}

func (q *MemoryQueue) schedule(msg *Message, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		q.requeue(msg)
	})
	q.timers[timer] = struct{}{}
}

// requeue puts a message back without counting it as a new enqueue.
func (q *MemoryQueue) requeue(msg *Message) {
	select {
	case q.ready <- msg:
	case <-q.done:
	}
}

func (q *MemoryQueue) finish() {
	q.mu.Lock()
	q.pending--
	q.mu.Unlock()
}

// Pending counts messages that are waiting, delayed or in flight.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// DeadLetters returns a copy of the dead-lettered messages.
func (q *MemoryQueue) DeadLetters() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Message, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() {
		q.mu.Lock()
		for timer := range q.timers {
			timer.Stop()
		}
		q.mu.Unlock()
		close(q.done)
	})
	return nil
}
