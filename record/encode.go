package record

import (
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kbin"
)

// ErrEncoding is returned when an event cannot be encoded. It is
// caused by malformed input and is never retried.
var ErrEncoding = errors.New("encoding error")

// Encode returns the wire form of the position independent part of a
// Kafka v2 record: the key, the value and the headers. The offset and
// timestamp deltas are added when the record is placed into a batch.
//
// A nil key is written as a null key. Headers are written in order.
func Encode(ev *Event) ([]byte, error) {
	if err := Validate(ev); err != nil {
		return nil, err
	}

	dst := make([]byte, 0, Size(ev))
	dst = kbin.AppendVarintBytes(dst, ev.Key)
	dst = kbin.AppendVarintBytes(dst, ev.Value)
	dst = kbin.AppendVarint(dst, int32(len(ev.Headers)))
	for _, h := range ev.Headers {
		dst = kbin.AppendVarintString(dst, h.Key)
		dst = kbin.AppendVarintBytes(dst, h.Value)
	}
	return dst, nil
}

// Validate reports whether ev can be encoded.
func Validate(ev *Event) error {
	switch {
	case ev == nil:
		return errors.Wrap(ErrEncoding, "nil event")
	case ev.err != nil:
		return ev.err
	case ev.Topic == "":
		return errors.Wrap(ErrEncoding, "events require a non-empty topic")
	case ev.Value == nil:
		return errors.Wrapf(ErrEncoding, "event %s has no value", ev.ID)
	}
	return nil
}

// Size returns the length of Encode(ev) without encoding it.
func Size(ev *Event) int {
	n := bytesLen(ev.Key) + bytesLen(ev.Value) + kbin.VarintLen(int32(len(ev.Headers)))
	for _, h := range ev.Headers {
		n += kbin.VarintLen(int32(len(h.Key))) + len(h.Key) + bytesLen(h.Value)
	}
	return n
}

func bytesLen(b []byte) int {
	if b == nil {
		return kbin.VarintLen(-1)
	}
	return kbin.VarintLen(int32(len(b))) + len(b)
}
