package pipeline

import (
	"errors"
	"fmt"
)

var ErrInvalidSource = errors.New("invalid source url")

type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// CapabilityError is returned by fetch and publish adapters to tell the
// worker whether another attempt can succeed.
type CapabilityError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *CapabilityError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CapabilityError{Kind: KindTransient, Op: op, Err: err}
}

func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CapabilityError{Kind: KindPermanent, Op: op, Err: err}
}

// StageError records which stage a failure came from.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	// Adapters often name their op after the stage; print it once.
	if ce, ok := e.Err.(*CapabilityError); ok && ce.Op == string(e.Stage) {
		return fmt.Sprintf("%s: %v", e.Stage, ce.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Classify returns the retry kind of err. Errors that carry no
// classification are treated as transient.
func Classify(err error) Kind {
	if errors.Is(err, ErrInvalidSource) {
		return KindPermanent
	}
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

func IsPermanent(err error) bool {
	return err != nil && Classify(err) == KindPermanent
}

// FailedStage returns the stage err originated in, if known.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
