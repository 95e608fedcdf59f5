package batch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kbin"

	"github.com/heetch/outbound/record"
)

// State is the state of a Batch.
type State int32

const (
	Accumulating State = iota
	Sealed
	InFlight
	Acknowledged
	Failed
)

func (s State) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Sealed:
		return "sealed"
	case InFlight:
		return "in-flight"
	case Acknowledged:
		return "acknowledged"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// TopicPartition identifies the destination of a batch.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}

// Options bound and shape a batch. A zero limit means no limit.
type Options struct {
	// MaxBytes is the maximum size of the uncompressed record batch.
	MaxBytes int
	// MaxRecords is the maximum number of events in a batch.
	MaxRecords int
	// Compression is applied to the records when sealing.
	Compression Compression
}

// recordBatchOverhead is the size of a v2 record batch header.
const recordBatchOverhead = 61

// Fits reports whether a record body of bodyLen bytes fits in an empty
// batch.
func (o Options) Fits(bodyLen int) bool {
	return o.MaxBytes <= 0 || recordBatchOverhead+recordWireLen(bodyLen, 0, 0) <= o.MaxBytes
}

// Batch is an ordered group of events sent together to one partition.
//
// Append and Handle.Cancel must not be called concurrently; the
// Accumulator serializes them per partition. Once sealed, a Batch is
// safe for concurrent use.
type Batch struct {
	TopicPartition

	opts    Options
	created time.Time
	state   atomic.Int32

	entries        []*Handle
	firstTimestamp int64
	size           int
	bodyBytes      int

	payload []byte
	done    chan struct{}
}

// New returns an empty accumulating batch.
func New(tp TopicPartition, opts Options, now time.Time) *Batch {
	return &Batch{
		TopicPartition: tp,
		opts:           opts,
		created:        now,
		size:           recordBatchOverhead,
		done:           make(chan struct{}),
	}
}

// Append adds an event and its encoded body to the batch and returns
// the handle that will carry the event's outcome.
//
// It fails with ErrBufferFull when the batch cannot take the event,
// with ErrTooLarge when the event cannot fit even in an empty batch,
// and with ErrAlreadySealed once the batch is sealed.
func (b *Batch) Append(ev *record.Event, body []byte) (*Handle, error) {
	if b.State() != Accumulating {
		return nil, ErrAlreadySealed
	}
	ts := ev.Timestamp.UnixMilli()
	n := len(b.entries)
	first := b.firstTimestamp
	if n == 0 {
		first = ts
	}
	size := b.size + recordWireLen(len(body), ts-first, int32(n))
	if b.opts.MaxBytes > 0 && size > b.opts.MaxBytes {
		if n == 0 {
			return nil, errors.Wrapf(ErrTooLarge, "event %s needs %d bytes, limit is %d", ev.ID, size, b.opts.MaxBytes)
		}
		return nil, ErrBufferFull
	}
	if b.opts.MaxRecords > 0 && n >= b.opts.MaxRecords {
		return nil, ErrBufferFull
	}

	h := &Handle{
		event:     ev,
		body:      body,
		timestamp: ts,
		batch:     b,
		owner:     b,
		cancelled: make(chan struct{}),
	}
	b.entries = append(b.entries, h)
	b.firstTimestamp = first
	b.size = size
	b.bodyBytes += len(body)
	return h, nil
}

// Seal stops the batch from accepting events and builds its payload.
func (b *Batch) Seal() error {
	if !b.state.CompareAndSwap(int32(Accumulating), int32(Sealed)) {
		return ErrAlreadySealed
	}
	b.payload = b.encode()
	return nil
}

// MarkInFlight records that a delivery attempt started.
func (b *Batch) MarkInFlight() error {
	if b.state.CompareAndSwap(int32(Sealed), int32(InFlight)) || b.State() == InFlight {
		return nil
	}
	return errors.Errorf("batch %v cannot be sent in state %v", b.TopicPartition, b.State())
}

// Resolve acknowledges the batch. The event at index i gets the offset
// baseOffset+i, or -1 when baseOffset is negative.
func (b *Batch) Resolve(baseOffset int64) error {
	return b.finish(Acknowledged, baseOffset, nil)
}

// Fail resolves every handle of the batch with err.
func (b *Batch) Fail(err error) error {
	if err == nil {
		err = errors.New("unknown delivery failure")
	}
	return b.finish(Failed, -1, err)
}

func (b *Batch) finish(to State, baseOffset int64, err error) error {
	for {
		s := b.State()
		if s != Sealed && s != InFlight {
			return errors.Errorf("batch %v cannot be resolved in state %v", b.TopicPartition, s)
		}
		if b.state.CompareAndSwap(int32(s), int32(to)) {
			break
		}
	}
	// All results are written before done is closed, so no handle of
	// the batch can be observed resolved before the others.
	for i, h := range b.entries {
		res := Result{Partition: b.Partition, Offset: -1, Err: err}
		if err == nil && baseOffset >= 0 {
			res.Offset = baseOffset + int64(i)
		}
		h.result = res
	}
	close(b.done)
	return nil
}

// cancel removes h from the accumulating batch.
func (b *Batch) cancel(h *Handle) error {
	if b.State() != Accumulating {
		return ErrAlreadySealed
	}
	i := b.index(h)
	if i < 0 {
		return ErrCancelled
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	b.recompute()
	h.result = Result{Partition: b.Partition, Offset: -1, Err: ErrCancelled}
	close(h.cancelled)
	return nil
}

func (b *Batch) index(h *Handle) int {
	for i, e := range b.entries {
		if e == h {
			return i
		}
	}
	return -1
}

// recompute refreshes the sizes after an entry was removed. The base
// timestamp is kept so that no remaining delta grows and the batch can
// only shrink.
func (b *Batch) recompute() {
	b.size = recordBatchOverhead
	b.bodyBytes = 0
	for i, h := range b.entries {
		b.size += recordWireLen(len(h.body), h.timestamp-b.firstTimestamp, int32(i))
		b.bodyBytes += len(h.body)
	}
}

// full reports whether no further event can be appended.
func (b *Batch) full() bool {
	return b.opts.MaxRecords > 0 && len(b.entries) >= b.opts.MaxRecords
}

// Compression returns the compression requested for the batch. The
// payload is left uncompressed when compressing does not shrink it.
func (b *Batch) Compression() Compression {
	return b.opts.Compression
}

// State returns the current state.
func (b *Batch) State() State {
	return State(b.state.Load())
}

// Len returns the number of events.
func (b *Batch) Len() int {
	return len(b.entries)
}

// Size returns the uncompressed wire size of the batch.
func (b *Batch) Size() int {
	return b.size
}

// BodyBytes returns the sum of the encoded event sizes.
func (b *Batch) BodyBytes() int {
	return b.bodyBytes
}

// Created returns the time the batch was opened.
func (b *Batch) Created() time.Time {
	return b.created
}

// Payload returns the encoded record batch. It is nil until the batch is sealed.
func (b *Batch) Payload() []byte {
	return b.payload
}

// Events returns the events of the batch in order.
func (b *Batch) Events() []*record.Event {
	evs := make([]*record.Event, len(b.entries))
	for i, h := range b.entries {
		evs[i] = h.event
	}
	return evs
}

// Handles returns the handles of the batch in order.
func (b *Batch) Handles() []*Handle {
	return append([]*Handle(nil), b.entries...)
}

// Done is closed once the batch is acknowledged or failed.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

func recordWireLen(bodyLen int, timestampDelta int64, offsetDelta int32) int {
	length := recordLen(bodyLen, timestampDelta, offsetDelta)
	return kbin.VarintLen(int32(length)) + length
}

func recordLen(bodyLen int, timestampDelta int64, offsetDelta int32) int {
	return 1 + // attributes
		kbin.VarlongLen(timestampDelta) +
		kbin.VarintLen(offsetDelta) +
		bodyLen
}
