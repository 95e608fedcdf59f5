package batch

import (
	"hash/crc32"
	"time"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/heetch/outbound/record"
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// crcStart is the offset of the crc field in a v2 record batch.
const crcStart = 8 + 4 + 4 + 1

// encode writes the batch as a Kafka v2 record batch. The producer ID,
// epoch and base sequence are -1: batches are not idempotent.
func (b *Batch) encode() []byte {
	records := make([]byte, 0, b.size-recordBatchOverhead)
	maxTimestamp := b.firstTimestamp
	if len(b.entries) > 0 {
		maxTimestamp = b.entries[0].timestamp
	}
	for i, h := range b.entries {
		records = appendRecord(records, h.body, h.timestamp-b.firstTimestamp, int32(i))
		if h.timestamp > maxTimestamp {
			maxTimestamp = h.timestamp
		}
	}

	var attrs int16
	if c := b.opts.Compression; c != None && len(records) > 0 {
		// Compression failures and unhelpful compression both leave
		// the records as they are.
		if compressed, err := compress(c, records); err == nil && len(compressed) < len(records) {
			records = compressed
			attrs |= int16(c)
		}
	}

	dst := make([]byte, 0, recordBatchOverhead+len(records))
	dst = kbin.AppendInt64(dst, 0)                                          // first offset
	dst = kbin.AppendInt32(dst, int32(recordBatchOverhead-12+len(records))) // length
	dst = kbin.AppendInt32(dst, -1)                                         // partition leader epoch
	dst = kbin.AppendInt8(dst, 2)                                           // magic
	dst = kbin.AppendInt32(dst, 0)                                          // crc, set below
	dst = kbin.AppendInt16(dst, attrs)
	dst = kbin.AppendInt32(dst, int32(len(b.entries)-1)) // last offset delta
	dst = kbin.AppendInt64(dst, b.firstTimestamp)
	dst = kbin.AppendInt64(dst, maxTimestamp)
	dst = kbin.AppendInt64(dst, -1) // producer id
	dst = kbin.AppendInt16(dst, -1) // producer epoch
	dst = kbin.AppendInt32(dst, -1) // base sequence
	dst = kbin.AppendArrayLen(dst, len(b.entries))
	dst = append(dst, records...)

	kbin.AppendInt32(dst[:crcStart], int32(crc32.Checksum(dst[crcStart+4:], crc32c)))
	return dst
}

func appendRecord(dst, body []byte, timestampDelta int64, offsetDelta int32) []byte {
	dst = kbin.AppendVarint(dst, int32(recordLen(len(body), timestampDelta, offsetDelta)))
	dst = kbin.AppendInt8(dst, 0)
	dst = kbin.AppendVarlong(dst, timestampDelta)
	dst = kbin.AppendVarint(dst, offsetDelta)
	return append(dst, body...)
}

// DecodedRecord is one record read back from a payload.
type DecodedRecord struct {
	OffsetDelta int32
	Timestamp   time.Time
	Key         []byte
	Value       []byte
	Headers     []record.HeaderField
}

// Decoded is a record batch read back from a payload.
type Decoded struct {
	Compression    Compression
	FirstTimestamp time.Time
	MaxTimestamp   time.Time
	Records        []DecodedRecord
}

// Decode parses a payload produced by a sealed batch. It verifies the
// checksum and decompresses the records.
func Decode(payload []byte) (*Decoded, error) {
	var rb kmsg.RecordBatch
	if err := rb.ReadFrom(payload); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "cannot read batch header: %v", err)
	}
	if rb.Magic != 2 {
		return nil, errors.Wrapf(ErrCorrupt, "unsupported magic %d", rb.Magic)
	}
	if len(payload) < recordBatchOverhead {
		return nil, errors.Wrap(ErrCorrupt, "short batch")
	}
	if crc := int32(crc32.Checksum(payload[crcStart+4:], crc32c)); crc != rb.CRC {
		return nil, errors.Wrapf(ErrCorrupt, "crc mismatch: got %#x, want %#x", uint32(crc), uint32(rb.CRC))
	}

	d := &Decoded{
		Compression:    Compression(rb.Attributes & 0x07),
		FirstTimestamp: time.UnixMilli(rb.FirstTimestamp),
		MaxTimestamp:   time.UnixMilli(rb.MaxTimestamp),
	}
	records := rb.Records
	if d.Compression != None {
		var err error
		if records, err = decompress(d.Compression, records); err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "cannot decompress %v records: %v", d.Compression, err)
		}
	}

	r := kbin.Reader{Src: records}
	for i := int32(0); i < rb.NumRecords; i++ {
		r.Varint() // length
		r.Int8()   // attributes
		rec := DecodedRecord{
			Timestamp: time.UnixMilli(rb.FirstTimestamp + r.Varlong()),
		}
		rec.OffsetDelta = r.Varint()
		rec.Key = r.VarintBytes()
		rec.Value = r.VarintBytes()
		nh := r.Varint()
		for j := int32(0); j < nh; j++ {
			k := r.VarintString()
			rec.Headers = append(rec.Headers, record.HeaderField{Key: k, Value: r.VarintBytes()})
		}
		d.Records = append(d.Records, rec)
	}
	if err := r.Complete(); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "cannot read records: %v", err)
	}
	return d, nil
}
