package batch

import "github.com/pkg/errors"

var (
	// ErrBufferFull is returned by Batch.Append when the event does
	// not fit in the batch. The batch must be sealed and the event
	// appended to a new one.
	ErrBufferFull = errors.New("batch is full")

	// ErrAlreadySealed is returned when a batch that is no longer
	// accumulating is modified, in particular when a handle is
	// cancelled after its batch was sealed.
	ErrAlreadySealed = errors.New("batch already sealed")

	// ErrTooLarge is returned when a single event exceeds the
	// maximum batch size.
	ErrTooLarge = errors.New("event larger than the maximum batch size")

	// ErrCancelled is the result of a cancelled handle.
	ErrCancelled = errors.New("event cancelled")

	// ErrCorrupt is returned by Decode when a payload is malformed.
	ErrCorrupt = errors.New("corrupt record batch")
)
