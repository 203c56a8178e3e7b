package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type attemptRecorder struct {
	mu       sync.Mutex
	attempts map[string][]int
}

func (r *attemptRecorder) record(msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts == nil {
		r.attempts = make(map[string][]int)
	}
	r.attempts[msg.JobID] = append(r.attempts[msg.JobID], msg.Attempt)
}

func (r *attemptRecorder) get(jobID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.attempts[jobID]...)
}

func startConsumer(t *testing.T, q *MemoryQueue, handler Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Consume(ctx, handler)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		q.Close()
	})
}

func TestMemoryQueue_AckOnSuccess(t *testing.T) {
	q := NewMemoryQueue(testPolicy(), 2, 10, zaptest.NewLogger(t))
	rec := &attemptRecorder{}
	startConsumer(t, q, func(ctx context.Context, msg *Message) error {
		rec.record(msg)
		return nil
	})

	if err := q.Enqueue(context.Background(), NewMessage("job-1", "u", "")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitFor(t, func() bool { return q.Pending() == 0 && len(rec.get("job-1")) == 1 })
	if len(q.DeadLetters()) != 0 {
		t.Error("Expected no dead letters")
	}
}

func TestMemoryQueue_RetriesThenSucceeds(t *testing.T) {
	q := NewMemoryQueue(testPolicy(), 1, 10, zaptest.NewLogger(t))
	rec := &attemptRecorder{}
	startConsumer(t, q, func(ctx context.Context, msg *Message) error {
		rec.record(msg)
		if msg.Attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	_ = q.Enqueue(context.Background(), NewMessage("job-1", "u", ""))

	waitFor(t, func() bool { return q.Pending() == 0 })
	got := rec.get("job-1")
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("Expected attempts [1 2 3], got %v", got)
	}
	if len(q.DeadLetters()) != 0 {
		t.Error("Expected no dead letters")
	}
}

func TestMemoryQueue_DeadLettersAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(testPolicy(), 1, 10, zaptest.NewLogger(t))
	rec := &attemptRecorder{}
	startConsumer(t, q, func(ctx context.Context, msg *Message) error {
		rec.record(msg)
		return errors.New("still down")
	})

	_ = q.Enqueue(context.Background(), NewMessage("job-1", "u", ""))

	waitFor(t, func() bool { return q.Pending() == 0 })
	if got := rec.get("job-1"); len(got) != 3 {
		t.Fatalf("Expected exactly 3 attempts, got %v", got)
	}

	dead := q.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("Expected 1 dead letter, got %d", len(dead))
	}
	if dead[0].Attempt != 3 || dead[0].LastError != "still down" {
		t.Errorf("unexpected dead letter: %+v", dead[0])
	}
}

func TestMemoryQueue_NoRetryDeadLettersImmediately(t *testing.T) {
	q := NewMemoryQueue(testPolicy(), 1, 10, zaptest.NewLogger(t))
	rec := &attemptRecorder{}
	startConsumer(t, q, func(ctx context.Context, msg *Message) error {
		rec.record(msg)
		return NoRetry(errors.New("video removed"))
	})

	_ = q.Enqueue(context.Background(), NewMessage("job-1", "u", ""))

	waitFor(t, func() bool { return q.Pending() == 0 })
	if got := rec.get("job-1"); len(got) != 1 {
		t.Errorf("Expected a single attempt, got %v", got)
	}
	if len(q.DeadLetters()) != 1 {
		t.Error("Expected message in dead letters")
	}
}

func TestMemoryQueue_RequeueDoesNotSpendAttempt(t *testing.T) {
	q := NewMemoryQueue(testPolicy(), 1, 10, zaptest.NewLogger(t))
	rec := &attemptRecorder{}
	startConsumer(t, q, func(ctx context.Context, msg *Message) error {
		rec.record(msg)
		if len(rec.get("job-1")) < 3 {
			return Requeue(errors.New("store unavailable"))
		}
		return nil
	})

	_ = q.Enqueue(context.Background(), NewMessage("job-1", "u", ""))

	waitFor(t, func() bool { return q.Pending() == 0 })
	got := rec.get("job-1")
	if len(got) != 3 || got[0] != 1 || got[1] != 1 || got[2] != 1 {
		t.Errorf("Expected attempts [1 1 1], got %v", got)
	}
	if len(q.DeadLetters()) != 0 {
		t.Error("Expected no dead letters")
	}
}

func TestMemoryQueue_EnqueueRejectsInvalid(t *testing.T) {
	q := NewMemoryQueue(testPolicy(), 1, 1, zaptest.NewLogger(t))
	defer q.Close()

	err := q.Enqueue(context.Background(), &Message{ID: "x", Attempt: 1})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("Expected ErrInvalidMessage, got %v", err)
	}
}

func TestMemoryQueue_EnqueueHonoursTimeout(t *testing.T) {
	q := NewMemoryQueue(testPolicy(), 1, 1, zaptest.NewLogger(t))
	defer q.Close()

	if err := q.Enqueue(context.Background(), NewMessage("job-1", "u", "")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, NewMessage("job-2", "u", "")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded on full queue, got %v", err)
	}
	if q.Pending() != 1 {
		t.Errorf("Expected 1 pending, got %d", q.Pending())
	}
}
