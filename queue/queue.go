package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidMessage = errors.New("invalid queue message")
	ErrQueueClosed    = errors.New("queue closed")

	errNoRetry = errors.New("no retry")
	errRequeue = errors.New("requeue")
)

// Message references a job by id. It is owned by the queue until it is
// acknowledged or dead-lettered; handlers never mutate it.
type Message struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	SourceURL  string    `json:"source_url"`
	TraceID    string    `json:"trace_id,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	NotBefore  time.Time `json:"not_before,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

func NewMessage(jobID, sourceURL, traceID string) *Message {
	return &Message{
		ID:         uuid.NewString(),
		JobID:      jobID,
		SourceURL:  sourceURL,
		TraceID:    traceID,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
}

func (m *Message) Validate() error {
	if m.ID == "" || m.JobID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if m.Attempt < 1 {
		return fmt.Errorf("%w: attempt %d", ErrInvalidMessage, m.Attempt)
	}
	return nil
}

// retry builds the next delivery of m after a failed attempt.
func (m *Message) retry(cause error, delay time.Duration, now time.Time) *Message {
	next := *m
	next.ID = uuid.NewString()
	next.Attempt = m.Attempt + 1
	next.NotBefore = now.Add(delay)
	if cause != nil {
		next.LastError = cause.Error()
	}
	return &next
}

// requeue builds a redelivery of m that keeps the attempt number.
func (m *Message) requeue(cause error, delay time.Duration, now time.Time) *Message {
	next := m.retry(cause, delay, now)
	next.Attempt = m.Attempt
	return next
}

// dead builds the dead-letter record of m.
func (m *Message) dead(cause error) *Message {
	d := *m
	if cause != nil {
		d.LastError = cause.Error()
	}
	return &d
}

func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Handler processes one delivery. A nil return acknowledges the message.
// An error wrapped with NoRetry dead-letters it immediately. An error wrapped
// with Requeue redelivers it after BaseDelay without spending an attempt. Any
// other error is retried according to the RetryPolicy.
type Handler func(ctx context.Context, msg *Message) error

type Producer interface {
	Enqueue(ctx context.Context, msg *Message) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// NoRetry marks err as not worth redelivering.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errNoRetry, err)
}

func IsNoRetry(err error) bool {
	return errors.Is(err, errNoRetry)
}

// Requeue asks for the same attempt to be delivered again later. Handlers use
// it when they could not record the outcome of the attempt.
func Requeue(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errRequeue, err)
}

func IsRequeue(err error) bool {
	return errors.Is(err, errRequeue)
}
