package delivery

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/pkg/errors"

	"github.com/heetch/outbound/batch"
)

func TestClassify(t *testing.T) {
	c := qt.New(t)

	c.Assert(Classify(errors.New("connection reset")), qt.Equals, KindRetriable)
	c.Assert(Classify(context.DeadlineExceeded), qt.Equals, KindRetriable)
	c.Assert(Classify(errors.Wrap(context.DeadlineExceeded, "send")), qt.Equals, KindRetriable)
	c.Assert(Classify(context.Canceled), qt.Equals, KindFatal)
	c.Assert(Classify(Fatal(errors.New("too large"))), qt.Equals, KindFatal)
	c.Assert(Classify(errors.Wrap(Fatal(errors.New("too large")), "send")), qt.Equals, KindFatal)
	c.Assert(Classify(Retriable(errors.New("not leader"))), qt.Equals, KindRetriable)

	c.Assert(Fatal(nil), qt.IsNil)
	c.Assert(Retriable(nil), qt.IsNil)

	cause := errors.New("too large")
	c.Assert(errors.Is(Fatal(cause), cause), qt.IsTrue)
	c.Assert(Fatal(cause).Error(), qt.Equals, "too large")
}

func TestError(t *testing.T) {
	c := qt.New(t)

	cause := errors.New("boom")
	err := &Error{
		TopicPartition: batch.TopicPartition{Topic: "events", Partition: 2},
		Attempts:       3,
		Err:            cause,
		reason:         ErrRetriesExhausted,
	}
	c.Assert(err, qt.ErrorMatches, `cannot deliver batch to events\[2\] after 3 attempt\(s\): delivery attempts exhausted: boom`)
	c.Assert(errors.Is(err, ErrFatal), qt.IsTrue)
	c.Assert(errors.Is(err, ErrRetriesExhausted), qt.IsTrue)
	c.Assert(errors.Is(err, ErrAborted), qt.IsFalse)
	c.Assert(errors.Is(err, cause), qt.IsTrue)
}
