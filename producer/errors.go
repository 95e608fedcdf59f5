package producer

import (
	"github.com/pkg/errors"

	"github.com/heetch/outbound/batch"
	"github.com/heetch/outbound/delivery"
	"github.com/heetch/outbound/record"
)

var (
	// ErrOverloaded is returned by Submit in Reject mode when the
	// in-flight limits are reached.
	ErrOverloaded = errors.New("producer overloaded")

	// ErrSubmitTimeout is returned by Submit in Block mode when no
	// in-flight capacity was released within the submit timeout.
	ErrSubmitTimeout = errors.New("timed out waiting for in-flight capacity")

	// ErrClosed is returned by Submit once Close has been called.
	ErrClosed = errors.New("producer closed")
)

// Errors surfaced by the producer and defined by its components.
var (
	ErrEncoding         = record.ErrEncoding
	ErrTooLarge         = batch.ErrTooLarge
	ErrAlreadySealed    = batch.ErrAlreadySealed
	ErrCancelled        = batch.ErrCancelled
	ErrFatal            = delivery.ErrFatal
	ErrRetriesExhausted = delivery.ErrRetriesExhausted
	ErrAborted          = delivery.ErrAborted
)
