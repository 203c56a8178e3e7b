package queue

import "time"

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Normalize fills zero values with defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns base * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// IsFinalAttempt reports whether a failure on attempt leaves no retries.
func (p RetryPolicy) IsFinalAttempt(attempt int) bool {
	return attempt >= p.MaxAttempts
}

type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeRetry
	OutcomeDeadLetter
	OutcomeRequeue
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetter:
		return "dead_letter"
	case OutcomeRequeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Decide maps a handler result on the given attempt to a queue action.
func (p RetryPolicy) Decide(attempt int, err error) (Outcome, time.Duration) {
	if err == nil {
		return OutcomeAck, 0
	}
	if IsRequeue(err) {
		return OutcomeRequeue, p.BaseDelay
	}
	if IsNoRetry(err) || p.IsFinalAttempt(attempt) {
		return OutcomeDeadLetter, 0
	}
	return OutcomeRetry, p.Backoff(attempt)
}
