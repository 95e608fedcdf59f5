package delivery

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/heetch/outbound/batch"
)

var (
	// ErrFatal matches every delivery failure reported on a handle.
	ErrFatal = errors.New("fatal delivery error")

	// ErrRetriesExhausted matches failures of batches that ran out
	// of attempts.
	ErrRetriesExhausted = errors.New("delivery attempts exhausted")

	// ErrAborted matches failures of batches abandoned by Abort.
	ErrAborted = errors.New("delivery aborted")

	// ErrClosed is returned when submitting to a closed Tracker.
	ErrClosed = errors.New("tracker closed")
)

// Kind classifies transport errors.
type Kind int

const (
	KindRetriable Kind = iota
	KindFatal
)

func (k Kind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "retriable"
}

type classifiedError struct {
	kind Kind
	err  error
}

func (e *classifiedError) Error() string { return e.err.Error() }

func (e *classifiedError) Unwrap() error { return e.err }

// Retriable marks err as a transient failure.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: KindRetriable, err: err}
}

// Fatal marks err as a failure that retrying cannot fix, such as a
// message too large or an authorization error.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: KindFatal, err: err}
}

// Classify returns the kind of err. Errors not marked by Retriable or
// Fatal are retriable, except context cancellation.
func Classify(err error) Kind {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	return KindRetriable
}

// IsRetriable reports whether err is worth retrying.
func IsRetriable(err error) bool {
	return Classify(err) == KindRetriable
}

// Error is the error a failed batch resolves its handles with.
type Error struct {
	batch.TopicPartition
	// Attempts is the number of send attempts made.
	Attempts int
	// Err is the last transport error, if any.
	Err error

	reason error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("cannot deliver batch to %v after %d attempt(s): %v", e.TopicPartition, e.Attempts, e.reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the last transport error.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is ErrFatal or the reason of the failure.
func (e *Error) Is(target error) bool {
	return target == ErrFatal || target == e.reason
}
