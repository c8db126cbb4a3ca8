package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled is the termination cause of a stream whose consumer
	// requested cancellation.
	ErrCanceled = errors.New("stream: canceled")

	// ErrInvalidProgress is returned for chunks whose progress metadata
	// cannot produce a finite fraction (Total <= 0, Offset outside
	// [0, Total]).
	ErrInvalidProgress = errors.New("stream: invalid progress data")
)

// Kind classifies stream failures.
type Kind int

const (
	// KindStreamFailure means the stream rejected or closed abnormally.
	KindStreamFailure Kind = iota
	// KindInvalidProgress means a chunk carried unusable progress data.
	KindInvalidProgress
	// KindCanceled means the stream was cancelled by its consumer.
	KindCanceled
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindStreamFailure:
		return "stream_failure"
	case KindInvalidProgress:
		return "invalid_progress"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is a classified stream failure.
//
// Use errors.As to extract it, or [IsKind] to test the classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify wraps err in an *Error. Errors that are already classified are
// returned unchanged; cancellation and invalid progress keep their own kind,
// everything else is a stream failure.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	kind := KindStreamFailure
	switch {
	case errors.Is(err, ErrCanceled):
		kind = KindCanceled
	case errors.Is(err, ErrInvalidProgress):
		kind = KindInvalidProgress
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
