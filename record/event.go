package record

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rogpeppe/fastuuid"

	"github.com/heetch/outbound/codec"
)

var uuids = fastuuid.MustNewGenerator()

// HeaderField is a single event header. Headers are kept in an ordered
// slice on the Event.
type HeaderField struct {
	Key   string
	Value []byte
}

// Event is a logical unit submitted for publication. An Event must not
// be modified once it has been submitted.
type Event struct {
	// Unique ID of the event. Defaults to an uuid. It is not sent
	// on the wire unless added as a header.
	ID string

	// The topic this Event is published to.
	Topic string

	// If specified, events with the same key will be sent to the same partition.
	// A nil Key means the event has no key.
	Key []byte

	// Value of the event. It is mandatory.
	Value []byte

	// Headers of the event, in wire order.
	Headers []HeaderField

	// The time at which this Event was submitted. When it is zero, the
	// producer sends a copy of the event stamped with the submission
	// time.
	Timestamp time.Time

	// err records a failure raised by an Option, reported by Encode.
	err error
}

// New creates an Event with a generated unique ID.
func New(topic string, value []byte, opts ...Option) *Event {
	ev := &Event{
		ID:    uuids.Hex128(),
		Topic: topic,
		Value: value,
	}
	for _, o := range opts {
		o(ev)
	}
	return ev
}

// NewFromValue serializes v with c and creates an Event holding the result.
func NewFromValue(topic string, v interface{}, c codec.Codec, opts ...Option) (*Event, error) {
	value, err := c.Encode(v)
	if err != nil {
		return nil, errors.Wrapf(ErrEncoding, "failed to encode event value: %v", err)
	}
	if value == nil {
		value = []byte{}
	}
	return New(topic, value, opts...), nil
}

// Option is a function type that receives a pointer to an Event and
// modifies it in place. Options are intended to customize an event
// before submitting it. You can do this either by passing them as
// parameters to the New function, or by calling them directly against
// an Event.
type Option func(*Event)

// Header is an Option that appends a string header to the event.
// Headers are kept in the order the options are applied.
func Header(k, v string) Option {
	return BytesHeader(k, []byte(v))
}

// BytesHeader is an Option that appends a header with a raw value.
func BytesHeader(k string, v []byte) Option {
	return func(ev *Event) {
		ev.Headers = append(ev.Headers, HeaderField{Key: k, Value: v})
	}
}

// Key is an Option that specifies a raw key for the event. You should
// only pass this once to the New function, but if you pass it multiple
// times, the value set by the final one you pass will be what is set
// on the Event when it is returned by New.
func Key(key []byte) Option {
	return func(ev *Event) {
		ev.Key = key
	}
}

// StrKey is an Option that specifies a key for the event as a string.
func StrKey(key string) Option {
	return Key([]byte(key))
}

// KeyEncoder is an Option that specifies a key produced by a codec.Encoder.
// An encoding failure is reported when the event is encoded.
func KeyEncoder(enc codec.Encoder) Option {
	return func(ev *Event) {
		key, err := enc.Encode()
		if err != nil {
			ev.err = errors.Wrapf(ErrEncoding, "failed to encode event key: %v", err)
			return
		}
		if key == nil {
			key = []byte{}
		}
		ev.Key = key
	}
}

// Timestamp is an Option that sets the event timestamp instead of
// letting the producer use the submission time.
func Timestamp(t time.Time) Option {
	return func(ev *Event) {
		ev.Timestamp = t
	}
}

// ID is an Option that overrides the generated event ID.
func ID(id string) Option {
	return func(ev *Event) {
		ev.ID = id
	}
}
