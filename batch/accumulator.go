package batch

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/heetch/outbound/clock"
	"github.com/heetch/outbound/record"
)

// Config configures an Accumulator.
type Config struct {
	Options

	// Linger is how long a batch waits for more events after its
	// first one before being sealed. Zero seals after every append.
	Linger time.Duration

	// Clock drives the linger timers. Defaults to clock.Real.
	Clock clock.Clock

	// Ready receives each sealed batch. It is called with the
	// partition locked, so batches of a partition arrive in sealing
	// order. It must not block.
	Ready func(*Batch)

	// Cancelled is called for each event removed by Handle.Cancel.
	Cancelled func(*Handle)
}

// Accumulator keeps one accumulating batch per topic partition.
// Partitions are locked independently of each other.
type Accumulator struct {
	cfg Config

	mu      sync.RWMutex
	buffers map[TopicPartition]*buffer
}

// NewAccumulator returns an Accumulator using cfg.
func NewAccumulator(cfg Config) *Accumulator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real
	}
	return &Accumulator{
		cfg:     cfg,
		buffers: make(map[TopicPartition]*buffer),
	}
}

// Add appends an encoded event to the batch of its partition. A full
// batch is sealed and a new one opened. It fails with ErrTooLarge when
// the event does not fit in an empty batch.
func (a *Accumulator) Add(ev *record.Event, body []byte, partition int32) (*Handle, error) {
	return a.buffer(TopicPartition{Topic: ev.Topic, Partition: partition}).add(ev, body)
}

// SealAll seals every accumulating batch and returns how many were sealed.
func (a *Accumulator) SealAll() int {
	a.mu.RLock()
	bufs := make([]*buffer, 0, len(a.buffers))
	for _, buf := range a.buffers {
		bufs = append(bufs, buf)
	}
	a.mu.RUnlock()

	n := 0
	for _, buf := range bufs {
		if buf.sealCurrent() {
			n++
		}
	}
	return n
}

// Pending returns the number of events in accumulating batches.
func (a *Accumulator) Pending() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, buf := range a.buffers {
		buf.mu.Lock()
		if buf.cur != nil {
			n += buf.cur.Len()
		}
		buf.mu.Unlock()
	}
	return n
}

func (a *Accumulator) buffer(tp TopicPartition) *buffer {
	a.mu.RLock()
	buf := a.buffers[tp]
	a.mu.RUnlock()
	if buf != nil {
		return buf
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if buf = a.buffers[tp]; buf == nil {
		buf = &buffer{acc: a, tp: tp}
		a.buffers[tp] = buf
	}
	return buf
}

// buffer holds the accumulating batch of one partition.
type buffer struct {
	acc *Accumulator
	tp  TopicPartition

	mu     sync.Mutex
	cur    *Batch
	linger clock.Timer
}

func (buf *buffer) add(ev *record.Event, body []byte) (*Handle, error) {
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if buf.cur == nil {
		buf.openLocked()
	}
	h, err := buf.cur.Append(ev, body)
	if errors.Is(err, ErrBufferFull) {
		buf.sealLocked()
		buf.openLocked()
		h, err = buf.cur.Append(ev, body)
	}
	if err != nil {
		if buf.cur.Len() == 0 {
			buf.dropLocked()
		}
		return nil, err
	}
	h.owner = buf

	switch {
	case buf.cur.full() || buf.acc.cfg.Linger <= 0:
		buf.sealLocked()
	case buf.cur.Len() == 1:
		b := buf.cur
		buf.linger = buf.acc.cfg.Clock.AfterFunc(buf.acc.cfg.Linger, func() {
			buf.expire(b)
		})
	}
	return h, nil
}

func (buf *buffer) openLocked() {
	buf.cur = New(buf.tp, buf.acc.cfg.Options, buf.acc.cfg.Clock.Now())
}

func (buf *buffer) expire(b *Batch) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.cur == b {
		buf.sealLocked()
	}
}

func (buf *buffer) sealCurrent() bool {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.cur == nil {
		return false
	}
	buf.sealLocked()
	return true
}

func (buf *buffer) sealLocked() {
	b := buf.cur
	buf.dropLocked()
	if err := b.Seal(); err != nil {
		// The current batch is only ever sealed here.
		panic(err)
	}
	if ready := buf.acc.cfg.Ready; ready != nil {
		ready(b)
	}
}

func (buf *buffer) dropLocked() {
	buf.cur = nil
	if buf.linger != nil {
		buf.linger.Stop()
		buf.linger = nil
	}
}

func (buf *buffer) cancel(h *Handle) error {
	buf.mu.Lock()
	defer buf.mu.Unlock()

	b := h.batch
	if err := b.cancel(h); err != nil {
		return err
	}
	if b == buf.cur && b.Len() == 0 {
		buf.dropLocked()
	}
	if cancelled := buf.acc.cfg.Cancelled; cancelled != nil {
		cancelled(h)
	}
	return nil
}
