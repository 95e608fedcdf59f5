package record_test

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/heetch/outbound/codec"
	"github.com/heetch/outbound/record"
)

func TestNew(t *testing.T) {
	c := qt.New(t)

	ts := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := record.New("events", []byte("value"),
		record.StrKey("jim"),
		record.Header("tag1", "xxx1"),
		record.Header("tag2", "xxx2"),
		record.Header("tag1", "again"),
		record.Timestamp(ts),
	)
	c.Assert(ev.ID, qt.Not(qt.Equals), "")
	c.Assert(ev.Topic, qt.Equals, "events")
	c.Assert(string(ev.Key), qt.Equals, "jim")
	c.Assert(ev.Timestamp, qt.Equals, ts)
	c.Assert(ev.Headers, qt.DeepEquals, []record.HeaderField{
		{Key: "tag1", Value: []byte("xxx1")},
		{Key: "tag2", Value: []byte("xxx2")},
		{Key: "tag1", Value: []byte("again")},
	})

	other := record.New("events", []byte("value"))
	c.Assert(other.ID, qt.Not(qt.Equals), ev.ID)
	c.Assert(other.Key, qt.IsNil)
}

func TestNewWithID(t *testing.T) {
	c := qt.New(t)

	ev := record.New("events", []byte("v"), record.ID("some-id"))
	c.Assert(ev.ID, qt.Equals, "some-id")
}

func TestNewFromValue(t *testing.T) {
	c := qt.New(t)

	ev, err := record.NewFromValue("events", map[string]interface{}{"name": "jim"}, codec.JSON(), record.StrKey("jim"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(ev.Value), qt.Equals, `{"name":"jim"}`)

	_, err = record.NewFromValue("events", make(chan bool), codec.JSON())
	c.Assert(err, qt.ErrorIs, record.ErrEncoding)
	c.Assert(err, qt.ErrorMatches, "failed to encode event value: json: unsupported type: chan bool: encoding error")
}

func TestKeyEncoder(t *testing.T) {
	c := qt.New(t)

	ev := record.New("events", []byte("v"), record.KeyEncoder(codec.Int64Encoder(42)))
	c.Assert(string(ev.Key), qt.Equals, "42")

	ev = record.New("events", []byte("v"), record.KeyEncoder(codec.NewEncoder(codec.Int64(), "nope")))
	_, err := record.Encode(ev)
	c.Assert(err, qt.ErrorIs, record.ErrEncoding)
}
