package delivery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gopkg.in/retry.v1"

	"github.com/heetch/outbound/batch"
	"github.com/heetch/outbound/clock"
)

// Ordering selects how batches of one partition may overlap.
type Ordering int

const (
	// Strict sends the batches of a partition one after the other.
	Strict Ordering = iota
	// Relaxed sends batches concurrently. Retries may reorder them.
	Relaxed
)

func (o Ordering) String() string {
	if o == Relaxed {
		return "relaxed"
	}
	return "strict"
}

// ParseOrdering parses "strict" or "relaxed".
func ParseOrdering(s string) (Ordering, error) {
	switch strings.ToLower(s) {
	case "", "strict":
		return Strict, nil
	case "relaxed":
		return Relaxed, nil
	}
	return Strict, errors.Errorf("unknown ordering mode %q", s)
}

// Outcome is the outcome of one attempt.
type Outcome int

const (
	Pending Outcome = iota
	Acked
	RetriableError
	FatalError
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case RetriableError:
		return "retriable-error"
	case FatalError:
		return "fatal-error"
	}
	return "pending"
}

// Attempt is one transmission of a batch.
type Attempt struct {
	Batch   *batch.Batch
	Number  int
	Sent    time.Time
	Outcome Outcome
	Err     error
}

// Config configures a Tracker.
type Config struct {
	// Strategy decides whether and when a failed batch is retried.
	// Defaults to Backoff{Base: 100ms, Max: 10s, MaxAttempts: 5, Jitter: 0.2}.
	Strategy retry.Strategy

	// SendTimeout bounds each attempt. An attempt that times out is
	// retriable. Defaults to 30s.
	SendTimeout time.Duration

	Ordering Ordering

	// MaxConcurrentSends bounds the number of concurrent attempts in
	// Relaxed ordering. Defaults to 5.
	MaxConcurrentSends int

	Clock  clock.Clock
	Logger *zap.Logger

	// OnAttempt is called after every attempt.
	OnAttempt func(Attempt)
	// OnDone is called once the handles of a batch have been
	// resolved. err is nil when the batch was acknowledged.
	OnDone func(b *batch.Batch, err error)
}

// Tracker delivers sealed batches and resolves their handles.
type Tracker struct {
	cfg       Config
	transport Transport
	ctx       context.Context
	abort     context.CancelFunc
	sem       *semaphore.Weighted

	mu          sync.Mutex
	closed      bool
	queues      map[batch.TopicPartition]*queue
	outstanding int
	idle        chan struct{}
}

type queue struct {
	batches []*batch.Batch
	running bool
}

// NewTracker returns a Tracker sending through t.
func NewTracker(t Transport, cfg Config) *Tracker {
	if cfg.Strategy == nil {
		cfg.Strategy = Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second, MaxAttempts: 5, Jitter: 0.2}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		cfg:       cfg,
		transport: t,
		ctx:       ctx,
		abort:     cancel,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentSends)),
		queues:    make(map[batch.TopicPartition]*queue),
		idle:      make(chan struct{}),
	}
}

// Submit schedules a sealed batch for delivery. It never blocks.
// On a closed tracker the batch fails with ErrClosed, which is also
// returned.
func (t *Tracker) Submit(b *batch.Batch) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.fail(b, 0, ErrClosed, nil)
		return ErrClosed
	}
	t.outstanding++

	if t.cfg.Ordering == Relaxed {
		t.mu.Unlock()
		go t.sendRelaxed(b)
		return nil
	}

	q := t.queues[b.TopicPartition]
	if q == nil {
		q = new(queue)
		t.queues[b.TopicPartition] = q
	}
	q.batches = append(q.batches, b)
	start := !q.running
	q.running = true
	t.mu.Unlock()

	if start {
		go t.drain(q)
	}
	return nil
}

// drain delivers the batches of one partition in order.
func (t *Tracker) drain(q *queue) {
	for {
		t.mu.Lock()
		if len(q.batches) == 0 {
			q.running = false
			t.mu.Unlock()
			return
		}
		b := q.batches[0]
		q.batches[0] = nil
		q.batches = q.batches[1:]
		t.mu.Unlock()

		t.deliver(b)
	}
}

func (t *Tracker) sendRelaxed(b *batch.Batch) {
	if err := t.sem.Acquire(t.ctx, 1); err != nil {
		t.fail(b, 0, ErrAborted, nil)
		return
	}
	defer t.sem.Release(1)
	t.deliver(b)
}

func (t *Tracker) deliver(b *batch.Batch) {
	log := t.cfg.Logger.With(
		zap.String("topic", b.Topic),
		zap.Int32("partition", b.Partition),
		zap.Int("records", b.Len()),
	)
	timer := t.cfg.Strategy.NewTimer(t.cfg.Clock.Now())

	for n := 1; ; n++ {
		if t.ctx.Err() != nil {
			t.fail(b, n-1, ErrAborted, nil)
			return
		}
		if err := b.MarkInFlight(); err != nil {
			log.Error("Cannot send batch", zap.Error(err))
			t.fail(b, n-1, ErrFatal, err)
			return
		}

		attempt := Attempt{Batch: b, Number: n, Sent: t.cfg.Clock.Now()}
		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.SendTimeout)
		ack, err := t.transport.Send(ctx, b)
		cancel()

		switch {
		case err == nil:
			attempt.Outcome = Acked
		case t.ctx.Err() == nil && IsRetriable(err):
			attempt.Outcome = RetriableError
		default:
			attempt.Outcome = FatalError
		}
		attempt.Err = err
		if t.cfg.OnAttempt != nil {
			t.cfg.OnAttempt(attempt)
		}

		switch attempt.Outcome {
		case Acked:
			t.complete(b, ack.BaseOffset)
			return
		case FatalError:
			if t.ctx.Err() != nil {
				t.fail(b, n, ErrAborted, err)
				return
			}
			log.Error("Batch rejected", zap.Int("attempt", n), zap.Error(err))
			t.fail(b, n, ErrFatal, err)
			return
		}

		delay, ok := timer.NextSleep(t.cfg.Clock.Now())
		if !ok {
			log.Error("Giving up on batch", zap.Int("attempts", n), zap.Error(err))
			t.fail(b, n, ErrRetriesExhausted, err)
			return
		}
		log.Warn("Retrying batch", zap.Int("attempt", n), zap.Duration("backoff", delay), zap.Error(err))

		select {
		case <-t.cfg.Clock.After(delay):
		case <-t.ctx.Done():
			t.fail(b, n, ErrAborted, err)
			return
		}
	}
}

func (t *Tracker) complete(b *batch.Batch, baseOffset int64) {
	if err := b.Resolve(baseOffset); err != nil {
		t.cfg.Logger.Error("Cannot resolve batch", zap.Error(err))
	}
	t.done(b, nil)
}

func (t *Tracker) fail(b *batch.Batch, attempts int, reason, cause error) {
	err := &Error{
		TopicPartition: b.TopicPartition,
		Attempts:       attempts,
		Err:            cause,
		reason:         reason,
	}
	if ferr := b.Fail(err); ferr != nil {
		t.cfg.Logger.Error("Cannot fail batch", zap.Error(ferr))
	}
	if reason == ErrClosed {
		// Never counted as outstanding.
		if t.cfg.OnDone != nil {
			t.cfg.OnDone(b, err)
		}
		return
	}
	t.done(b, err)
}

func (t *Tracker) done(b *batch.Batch, err error) {
	if t.cfg.OnDone != nil {
		t.cfg.OnDone(b, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding--
	if t.outstanding == 0 {
		close(t.idle)
		t.idle = make(chan struct{})
	}
}

// Outstanding returns the number of batches not yet resolved.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding
}

// Wait blocks until every submitted batch has been resolved or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.outstanding == 0 {
			t.mu.Unlock()
			return nil
		}
		idle := t.idle
		t.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close makes later Submit calls fail. Batches already submitted are
// still delivered.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

// Abort cancels in-flight attempts and backoffs. Batches that have not
// been acknowledged fail with ErrAborted.
func (t *Tracker) Abort() {
	t.abort()
}
