package batch

import (
	"context"

	"github.com/heetch/outbound/record"
)

// Result is the outcome of one event.
type Result struct {
	// Partition the event was routed to.
	Partition int32
	// Offset assigned by the broker, -1 when unknown.
	Offset int64
	// Err is nil when the event was acknowledged.
	Err error
}

type canceler interface {
	cancel(h *Handle) error
}

// Handle is the completion handle of one submitted event. It is
// resolved exactly once.
type Handle struct {
	event     *record.Event
	body      []byte
	timestamp int64
	batch     *Batch
	owner     canceler

	// result is written once, before done or cancelled is closed.
	result    Result
	cancelled chan struct{}
}

// Event returns the submitted event.
func (h *Handle) Event() *record.Event {
	return h.event
}

// Partition returns the partition the event was routed to.
func (h *Handle) Partition() int32 {
	return h.batch.Partition
}

// Size returns the encoded size of the event.
func (h *Handle) Size() int {
	return len(h.body)
}

// Wait blocks until the event is resolved or ctx is done. The returned
// error is the delivery error, or ctx.Err().
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.batch.done:
	case <-h.cancelled:
	case <-ctx.Done():
		return Result{Partition: h.batch.Partition, Offset: -1}, ctx.Err()
	}
	return h.result, h.result.Err
}

// Result returns the outcome of the event if it has been resolved.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.batch.done:
	case <-h.cancelled:
	default:
		return Result{}, false
	}
	return h.result, true
}

// Cancel removes the event from its batch. It fails with
// ErrAlreadySealed once the batch has been sealed. A cancelled handle
// resolves with ErrCancelled.
func (h *Handle) Cancel() error {
	return h.owner.cancel(h)
}
