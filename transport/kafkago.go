package transport

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/heetch/outbound/batch"
	"github.com/heetch/outbound/delivery"
)

// KafkaGo is a Transport built on the kafka-go client.
type KafkaGo struct {
	client *kafka.Client
}

// NewKafkaGo creates a transport for the brokers at addrs. timeout
// bounds each request.
func NewKafkaGo(addrs []string, timeout time.Duration) *KafkaGo {
	return &KafkaGo{
		client: &kafka.Client{
			Addr:    kafka.TCP(addrs...),
			Timeout: timeout,
		},
	}
}

// PartitionCount implements producer.Transport.
func (k *KafkaGo) PartitionCount(ctx context.Context, topic string) (int32, error) {
	resp, err := k.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to request metadata of topic %q", topic)
	}
	for _, t := range resp.Topics {
		if t.Name != topic {
			continue
		}
		if t.Error != nil {
			return 0, errors.Wrapf(t.Error, "cannot get metadata of topic %q", topic)
		}
		return int32(len(t.Partitions)), nil
	}
	return 0, errors.Errorf("topic %q missing from metadata response", topic)
}

// Send implements delivery.Transport.
func (k *KafkaGo) Send(ctx context.Context, b *batch.Batch) (delivery.Ack, error) {
	events := b.Events()
	records := make([]kafka.Record, len(events))
	for i, ev := range events {
		rec := kafka.Record{
			Time:  ev.Timestamp,
			Value: kafka.NewBytes(ev.Value),
		}
		if ev.Key != nil {
			rec.Key = kafka.NewBytes(ev.Key)
		}
		for _, h := range ev.Headers {
			rec.Headers = append(rec.Headers, kafka.Header{Key: h.Key, Value: h.Value})
		}
		records[i] = rec
	}

	resp, err := k.client.Produce(ctx, &kafka.ProduceRequest{
		Topic:        b.Topic,
		Partition:    int(b.Partition),
		RequiredAcks: kafka.RequireAll,
		Records:      kafka.NewRecordReader(records...),
		Compression:  kafkaGoCompression(b.Compression()),
	})
	if err != nil {
		return delivery.Ack{}, classifyKafkaGo(err)
	}
	if resp.Error != nil {
		return delivery.Ack{}, classifyKafkaGo(resp.Error)
	}
	// The broker rejects a batch as a whole, so any record error fails it.
	for i, rerr := range resp.RecordErrors {
		if rerr != nil {
			return delivery.Ack{}, classifyKafkaGo(errors.Wrapf(rerr, "record %d rejected", i))
		}
	}
	return delivery.Ack{BaseOffset: resp.BaseOffset}, nil
}

func kafkaGoCompression(c batch.Compression) kafka.Compression {
	switch c {
	case batch.Gzip:
		return kafka.Gzip
	case batch.Snappy:
		return kafka.Snappy
	case batch.LZ4:
		return kafka.Lz4
	case batch.Zstd:
		return kafka.Zstd
	}
	return 0
}

// classifyKafkaGo uses the temporary flag kafka-go attaches to broker
// error codes. Other failures, such as lost connections, are retriable.
func classifyKafkaGo(err error) error {
	var kerr kafka.Error
	if errors.As(err, &kerr) && !kerr.Temporary() {
		return delivery.Fatal(err)
	}
	return delivery.Retriable(err)
}
