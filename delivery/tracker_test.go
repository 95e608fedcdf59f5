package delivery_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/heetch/outbound/batch"
	"github.com/heetch/outbound/delivery"
	"github.com/heetch/outbound/record"
)

var tp = batch.TopicPartition{Topic: "events", Partition: 1}

func sealedBatch(c *qt.C, tp batch.TopicPartition, values ...string) (*batch.Batch, []*batch.Handle) {
	b := batch.New(tp, batch.Options{}, time.Now())
	var handles []*batch.Handle
	for _, v := range values {
		ev := record.New(tp.Topic, []byte(v), record.Timestamp(time.Now()))
		body, err := record.Encode(ev)
		c.Assert(err, qt.IsNil)
		h, err := b.Append(ev, body)
		c.Assert(err, qt.IsNil)
		handles = append(handles, h)
	}
	c.Assert(b.Seal(), qt.IsNil)
	return b, handles
}

// stubTransport records every send and answers with the next queued
// error, acknowledging once the queue is empty.
type stubTransport struct {
	mu     sync.Mutex
	errs   map[string][]error
	sends  []string
	offset int64
}

func newStubTransport() *stubTransport {
	return &stubTransport{errs: make(map[string][]error), offset: 42}
}

func (s *stubTransport) failFirst(value string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[value] = append(s.errs[value], errs...)
}

func (s *stubTransport) Send(ctx context.Context, b *batch.Batch) (delivery.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := string(b.Events()[0].Value)
	s.sends = append(s.sends, first)
	if errs := s.errs[first]; len(errs) > 0 {
		s.errs[first] = errs[1:]
		return delivery.Ack{}, errs[0]
	}
	ack := delivery.Ack{BaseOffset: s.offset}
	s.offset += int64(b.Len())
	return ack, nil
}

func (s *stubTransport) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sends...)
}

type attempts struct {
	mu   sync.Mutex
	list []delivery.Attempt
}

func (a *attempts) record(at delivery.Attempt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.list = append(a.list, at)
}

func (a *attempts) outcomes() []delivery.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []delivery.Outcome
	for _, at := range a.list {
		out = append(out, at.Outcome)
	}
	return out
}

func wait(c *qt.C, h *batch.Handle) (batch.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	c.Assert(err, qt.Not(qt.Equals), context.DeadlineExceeded)
	return res, err
}

func TestTrackerAcknowledges(t *testing.T) {
	c := qt.New(t)

	st := newStubTransport()
	var (
		mu   sync.Mutex
		done []*batch.Batch
	)
	tr := delivery.NewTracker(st, delivery.Config{
		OnDone: func(b *batch.Batch, err error) {
			c.Check(err, qt.IsNil)
			mu.Lock()
			done = append(done, b)
			mu.Unlock()
		},
	})
	b, handles := sealedBatch(c, tp, "a", "b", "c")
	c.Assert(tr.Submit(b), qt.IsNil)

	for i, h := range handles {
		res, err := wait(c, h)
		c.Assert(err, qt.IsNil)
		c.Assert(res, qt.Equals, batch.Result{Partition: 1, Offset: 42 + int64(i)})
	}
	c.Assert(tr.Wait(context.Background()), qt.IsNil)
	c.Assert(b.State(), qt.Equals, batch.Acknowledged)
	c.Assert(tr.Outstanding(), qt.Equals, 0)
	mu.Lock()
	c.Assert(done, qt.DeepEquals, []*batch.Batch{b})
	mu.Unlock()
}

func TestTrackerRetriesWithBackoff(t *testing.T) {
	c := qt.New(t)

	st := newStubTransport()
	transient := errors.New("not leader for partition")
	st.failFirst("a", transient, transient, delivery.Retriable(transient))

	backoff := delivery.Backoff{Base: 10 * time.Millisecond, Max: 25 * time.Millisecond, MaxAttempts: 5}
	var ats attempts
	tr := delivery.NewTracker(st, delivery.Config{Strategy: backoff, OnAttempt: ats.record})

	b, handles := sealedBatch(c, tp, "a")
	start := time.Now()
	c.Assert(tr.Submit(b), qt.IsNil)
	res, err := wait(c, handles[0])
	elapsed := time.Since(start)

	c.Assert(err, qt.IsNil)
	c.Assert(res.Offset, qt.Equals, int64(42))
	c.Assert(ats.outcomes(), qt.DeepEquals, []delivery.Outcome{
		delivery.RetriableError, delivery.RetriableError, delivery.RetriableError, delivery.Acked,
	})

	minDelay := backoff.Delay(1) + backoff.Delay(2) + backoff.Delay(3)
	c.Assert(minDelay, qt.Equals, 55*time.Millisecond)
	c.Assert(elapsed >= minDelay, qt.IsTrue, qt.Commentf("elapsed %v", elapsed))
	c.Assert(elapsed < minDelay+2*time.Second, qt.IsTrue, qt.Commentf("elapsed %v", elapsed))
}

func TestTrackerFatalError(t *testing.T) {
	c := qt.New(t)

	st := newStubTransport()
	tooLarge := errors.New("message too large")
	st.failFirst("a", delivery.Fatal(tooLarge))

	var ats attempts
	tr := delivery.NewTracker(st, delivery.Config{
		Strategy:  delivery.Backoff{Base: time.Millisecond, MaxAttempts: 5},
		OnAttempt: ats.record,
	})
	b, handles := sealedBatch(c, tp, "a", "b")
	c.Assert(tr.Submit(b), qt.IsNil)

	for _, h := range handles {
		_, err := wait(c, h)
		c.Assert(err, qt.ErrorIs, delivery.ErrFatal)
		c.Assert(err, qt.ErrorIs, tooLarge)
		var derr *delivery.Error
		c.Assert(errors.As(err, &derr), qt.IsTrue)
		c.Assert(derr.Attempts, qt.Equals, 1)
	}
	c.Assert(tr.Wait(context.Background()), qt.IsNil)
	c.Assert(ats.outcomes(), qt.DeepEquals, []delivery.Outcome{delivery.FatalError})
	c.Assert(st.sent(), qt.DeepEquals, []string{"a"})
	c.Assert(b.State(), qt.Equals, batch.Failed)
}

func TestTrackerRetriesExhausted(t *testing.T) {
	c := qt.New(t)

	st := newStubTransport()
	st.failFirst("a", errors.New("1"), errors.New("2"), errors.New("3"), errors.New("4"))

	core, logs := observer.New(zapcore.DebugLevel)
	tr := delivery.NewTracker(st, delivery.Config{
		Strategy: delivery.Backoff{Base: time.Millisecond, MaxAttempts: 3},
		Logger:   zap.New(core),
	})
	b, handles := sealedBatch(c, tp, "a")
	c.Assert(tr.Submit(b), qt.IsNil)

	_, err := wait(c, handles[0])
	c.Assert(err, qt.ErrorIs, delivery.ErrRetriesExhausted)
	c.Assert(err, qt.ErrorIs, delivery.ErrFatal)
	c.Assert(err, qt.ErrorMatches, `cannot deliver batch to events\[1\] after 3 attempt\(s\): delivery attempts exhausted: 3`)
	c.Assert(st.sent(), qt.HasLen, 3)

	c.Assert(tr.Wait(context.Background()), qt.IsNil)
	c.Assert(logs.FilterMessage("Retrying batch").Len(), qt.Equals, 2)
	giveUp := logs.FilterMessage("Giving up on batch").All()
	c.Assert(giveUp, qt.HasLen, 1)
	c.Assert(giveUp[0].Level, qt.Equals, zapcore.ErrorLevel)
	c.Assert(giveUp[0].ContextMap()["topic"], qt.Equals, "events")
}

func TestTrackerSendTimeoutIsRetried(t *testing.T) {
	c := qt.New(t)

	var (
		mu    sync.Mutex
		calls int
	)
	tr := delivery.NewTracker(delivery.TransportFunc(func(ctx context.Context, b *batch.Batch) (delivery.Ack, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-ctx.Done()
			return delivery.Ack{}, ctx.Err()
		}
		return delivery.Ack{BaseOffset: 7}, nil
	}), delivery.Config{
		Strategy:    delivery.Backoff{Base: time.Millisecond, MaxAttempts: 3},
		SendTimeout: 20 * time.Millisecond,
	})
	b, handles := sealedBatch(c, tp, "a")
	c.Assert(tr.Submit(b), qt.IsNil)

	res, err := wait(c, handles[0])
	c.Assert(err, qt.IsNil)
	c.Assert(res.Offset, qt.Equals, int64(7))
	mu.Lock()
	c.Assert(calls, qt.Equals, 2)
	mu.Unlock()
}

func TestTrackerStrictOrdering(t *testing.T) {
	c := qt.New(t)

	st := newStubTransport()
	st.failFirst("b1", errors.New("transient"), errors.New("transient"))
	tr := delivery.NewTracker(st, delivery.Config{
		Strategy: delivery.Backoff{Base: 20 * time.Millisecond, MaxAttempts: 5},
		Ordering: delivery.Strict,
	})

	b1, h1 := sealedBatch(c, tp, "b1")
	b2, h2 := sealedBatch(c, tp, "b2")
	other, h3 := sealedBatch(c, batch.TopicPartition{Topic: "events", Partition: 2}, "other")
	c.Assert(tr.Submit(b1), qt.IsNil)
	c.Assert(tr.Submit(b2), qt.IsNil)
	c.Assert(tr.Submit(other), qt.IsNil)

	res3, err := wait(c, h3[0])
	c.Assert(err, qt.IsNil)
	res1, err := wait(c, h1[0])
	c.Assert(err, qt.IsNil)
	res2, err := wait(c, h2[0])
	c.Assert(err, qt.IsNil)
	c.Assert(tr.Wait(context.Background()), qt.IsNil)

	// b2 waits for b1 to be acknowledged, other partitions do not.
	var partition1 []string
	for _, s := range st.sent() {
		if s != "other" {
			partition1 = append(partition1, s)
		}
	}
	c.Assert(partition1, qt.DeepEquals, []string{"b1", "b1", "b1", "b2"})
	c.Assert(res1.Offset < res2.Offset, qt.IsTrue)
	c.Assert(res3.Offset < res1.Offset, qt.IsTrue)
}

func TestTrackerRelaxedOrdering(t *testing.T) {
	c := qt.New(t)

	st := newStubTransport()
	st.failFirst("b1", errors.New("transient"))
	tr := delivery.NewTracker(st, delivery.Config{
		Strategy: delivery.Backoff{Base: 200 * time.Millisecond, MaxAttempts: 5},
		Ordering: delivery.Relaxed,
	})

	b1, h1 := sealedBatch(c, tp, "b1")
	b2, h2 := sealedBatch(c, tp, "b2")
	c.Assert(tr.Submit(b1), qt.IsNil)
	c.Assert(tr.Submit(b2), qt.IsNil)

	res1, err := wait(c, h1[0])
	c.Assert(err, qt.IsNil)
	res2, err := wait(c, h2[0])
	c.Assert(err, qt.IsNil)

	// b2 overtook b1 while b1 was backing off.
	c.Assert(res2.Offset < res1.Offset, qt.IsTrue)
	sent := st.sent()
	c.Assert(sent, qt.HasLen, 3)
	c.Assert(sent[2], qt.Equals, "b1")
}

func TestTrackerAbort(t *testing.T) {
	c := qt.New(t)

	st := newStubTransport()
	st.failFirst("a", errors.New("transient"))
	tr := delivery.NewTracker(st, delivery.Config{
		Strategy: delivery.Backoff{Base: time.Hour, MaxAttempts: 5},
	})
	b, handles := sealedBatch(c, tp, "a")
	c.Assert(tr.Submit(b), qt.IsNil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.Assert(tr.Wait(ctx), qt.Equals, context.DeadlineExceeded)

	tr.Abort()
	_, err := wait(c, handles[0])
	c.Assert(err, qt.ErrorIs, delivery.ErrAborted)
	c.Assert(tr.Wait(context.Background()), qt.IsNil)
}

func TestTrackerClosed(t *testing.T) {
	c := qt.New(t)

	var failed []error
	tr := delivery.NewTracker(newStubTransport(), delivery.Config{
		OnDone: func(b *batch.Batch, err error) { failed = append(failed, err) },
	})
	tr.Close()

	b, handles := sealedBatch(c, tp, "a")
	c.Assert(tr.Submit(b), qt.Equals, delivery.ErrClosed)
	_, err := wait(c, handles[0])
	c.Assert(err, qt.ErrorIs, delivery.ErrClosed)
	c.Assert(failed, qt.HasLen, 1)
	c.Assert(tr.Outstanding(), qt.Equals, 0)
}
