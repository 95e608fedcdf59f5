package producer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/heetch/outbound/batch"
	"github.com/heetch/outbound/clock"
	"github.com/heetch/outbound/delivery"
	"github.com/heetch/outbound/partition"
	"github.com/heetch/outbound/record"
)

// abortGrace is how long Close waits past the send timeout for the
// attempts still running after an abort.
const abortGrace = time.Second

// Transport sends batches and knows the partition count of topics.
type Transport interface {
	delivery.Transport

	// PartitionCount returns the current number of partitions of topic.
	PartitionCount(ctx context.Context, topic string) (int32, error)
}

// Handle is the completion handle of a submitted event.
type Handle = batch.Handle

// Result is the outcome of a submitted event.
type Result = batch.Result

// Producer publishes events to Kafka. Events are encoded, routed to a
// partition, accumulated in batches and delivered in the background.
// The number of bytes and events in flight is bounded.
type Producer struct {
	cfg     Config
	opts    batch.Options
	logger  *zap.Logger
	router  partition.Partitioner
	counts  *partitionCounts
	gov     *governor
	acc     *batch.Accumulator
	tracker *delivery.Tracker
	metrics *metrics

	// Submit holds mu for reading so that Close can wait for the
	// submissions in progress.
	mu     sync.RWMutex
	closed bool
}

// New creates a Producer sending through t.
func New(cfg Config, t Transport) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid producer configuration")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Partitioner == nil {
		cfg.Partitioner = partition.NewRouter()
	}
	cfg.Logger = cfg.Logger.With(zap.String("client_id", cfg.ClientID))

	p := &Producer{
		cfg: cfg,
		opts: batch.Options{
			MaxBytes:    cfg.MaxBatchBytes,
			MaxRecords:  cfg.MaxBatchRecords,
			Compression: cfg.Compression,
		},
		logger:  cfg.Logger,
		router:  cfg.Partitioner,
		counts:  newPartitionCounts(t, &cfg),
		gov:     newGovernor(&cfg),
		metrics: newMetrics(cfg.ClientID),
	}
	if cfg.Registerer != nil {
		if err := p.metrics.register(cfg.Registerer); err != nil {
			return nil, err
		}
	}
	p.tracker = delivery.NewTracker(t, delivery.Config{
		Strategy:           cfg.strategy(),
		SendTimeout:        cfg.SendTimeout,
		Ordering:           cfg.Ordering,
		MaxConcurrentSends: cfg.MaxConcurrentSends,
		Clock:              cfg.Clock,
		Logger:             cfg.Logger,
		OnAttempt:          p.attempted,
		OnDone:             p.delivered,
	})
	p.acc = batch.NewAccumulator(batch.Config{
		Options:   p.opts,
		Linger:    cfg.Linger,
		Clock:     cfg.Clock,
		Ready:     p.ready,
		Cancelled: p.cancelled,
	})
	return p, nil
}

// Submit encodes ev and adds it to the batch of its partition. The
// returned handle resolves once the batch is acknowledged or has
// failed.
//
// Encoding errors and oversized events are reported synchronously.
// When the in-flight limits are reached, Submit fails with
// ErrOverloaded in Reject mode and blocks in Block mode, failing with
// ErrSubmitTimeout after the submit timeout.
func (p *Producer) Submit(ctx context.Context, ev *record.Event) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	if ev != nil && ev.Timestamp.IsZero() {
		// The caller's event is left untouched so it can be submitted
		// again, concurrently or not.
		stamped := *ev
		stamped.Timestamp = p.cfg.Clock.Now()
		ev = &stamped
	}
	body, err := record.Encode(ev)
	if err != nil {
		return nil, err
	}
	if !p.opts.Fits(len(body)) {
		return nil, errors.Wrapf(ErrTooLarge, "event %s has %d bytes, batches are limited to %d", ev.ID, len(body), p.opts.MaxBytes)
	}

	size := int64(len(body))
	if err := p.gov.acquire(ctx, size); err != nil {
		p.rejected(err)
		return nil, err
	}
	p.updateGauges()

	h, err := p.add(ctx, ev, body)
	if err != nil {
		p.release(size)
		return nil, err
	}
	return h, nil
}

func (p *Producer) add(ctx context.Context, ev *record.Event, body []byte) (*Handle, error) {
	n, err := p.counts.get(ctx, ev.Topic)
	if err != nil {
		return nil, err
	}
	part, err := p.router.Partition(ev.Topic, ev.Key, n)
	if err != nil {
		return nil, err
	}
	return p.acc.Add(ev, body, part)
}

// Send creates an event and submits it.
func (p *Producer) Send(ctx context.Context, topic string, value []byte, opts ...record.Option) (*Handle, error) {
	return p.Submit(ctx, record.New(topic, value, opts...))
}

// SendSync submits ev and waits for its outcome.
func (p *Producer) SendSync(ctx context.Context, ev *record.Event) (Result, error) {
	h, err := p.Submit(ctx, ev)
	if err != nil {
		return Result{Offset: -1}, errors.Wrap(err, "failed to send event")
	}
	res, err := h.Wait(ctx)
	return res, errors.Wrap(err, "failed to send event")
}

// Flush seals every pending batch and waits until all of them are
// acknowledged or failed.
func (p *Producer) Flush(ctx context.Context) error {
	p.acc.SealAll()
	return p.tracker.Wait(ctx)
}

// Close stops accepting events, flushes the pending batches and waits
// for their delivery. When ctx is done first, the remaining batches
// fail with ErrAborted. Close then waits at most the send timeout for
// the attempts in progress; events of a transport that never returns
// stay unresolved.
func (p *Producer) Close(ctx context.Context) error {
	p.gov.close()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	sealed := p.acc.SealAll()
	p.tracker.Close()
	p.logger.Debug("Closing producer", zap.Int("sealed", sealed), zap.Int("outstanding", p.tracker.Outstanding()))

	if err := p.tracker.Wait(ctx); err != nil {
		p.logger.Warn("Aborting undelivered batches", zap.Int("outstanding", p.tracker.Outstanding()))
		p.tracker.Abort()
		// Attempts in progress end with the send timeout, unless the
		// transport ignores its context.
		wctx, cancel := context.WithTimeout(context.Background(), p.cfg.SendTimeout+abortGrace)
		defer cancel()
		if werr := p.tracker.Wait(wctx); werr != nil {
			p.logger.Error("Transport did not return after abort", zap.Int("outstanding", p.tracker.Outstanding()))
		}
		return errors.Wrap(err, "failed to flush producer")
	}
	p.logger.Info("Producer closed")
	return nil
}

// InFlight returns the bytes and events submitted but not yet
// acknowledged or failed.
func (p *Producer) InFlight() (bytes, records int64) {
	return p.gov.inFlight()
}

// ready receives sealed batches from the accumulator.
func (p *Producer) ready(b *batch.Batch) {
	p.metrics.batchBytes.Observe(float64(b.Size()))
	p.logger.Debug("Batch sealed",
		zap.Stringer("partition", b.TopicPartition),
		zap.Int("records", b.Len()),
		zap.Int("bytes", b.Size()),
	)
	// A closed tracker fails the batch, which releases its events.
	_ = p.tracker.Submit(b)
}

func (p *Producer) attempted(a delivery.Attempt) {
	if a.Outcome == delivery.RetriableError {
		p.metrics.retries.Inc()
	}
}

func (p *Producer) delivered(b *batch.Batch, err error) {
	outcome := "acknowledged"
	if err != nil {
		outcome = "failed"
	}
	p.metrics.batches.WithLabelValues(outcome).Inc()
	p.metrics.latency.Observe(p.cfg.Clock.Now().Sub(b.Created()).Seconds())

	for _, h := range b.Handles() {
		p.gov.release(int64(h.Size()))
	}
	p.updateGauges()
}

func (p *Producer) cancelled(h *batch.Handle) {
	p.release(int64(h.Size()))
}

func (p *Producer) release(size int64) {
	p.gov.release(size)
	p.updateGauges()
}

func (p *Producer) rejected(err error) {
	switch {
	case errors.Is(err, ErrOverloaded):
		p.metrics.rejected.WithLabelValues("overloaded").Inc()
	case errors.Is(err, ErrSubmitTimeout):
		p.metrics.rejected.WithLabelValues("timeout").Inc()
	}
}

func (p *Producer) updateGauges() {
	bytes, records := p.gov.inFlight()
	p.metrics.inFlightBytes.Set(float64(bytes))
	p.metrics.inFlightRecords.Set(float64(records))
}
