package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/heetch/outbound/batch"
	"github.com/heetch/outbound/delivery"
)

// Memory is an in-process partitioned log. It decodes every batch it
// receives and assigns offsets the way a broker would. It is meant for
// tests and dry runs.
type Memory struct {
	// Intercept, when set, is called before a batch is stored. A
	// non-nil error fails the attempt without storing the batch.
	Intercept func(ctx context.Context, b *batch.Batch) error

	mu         sync.Mutex
	partitions int32
	topics     map[string]int32
	logs       map[batch.TopicPartition][]batch.DecodedRecord
}

// NewMemory returns a log where topics have the given number of
// partitions unless created otherwise.
func NewMemory(partitions int32) *Memory {
	return &Memory{
		partitions: partitions,
		topics:     make(map[string]int32),
		logs:       make(map[batch.TopicPartition][]batch.DecodedRecord),
	}
}

// CreateTopic sets the partition count of topic. It can be called
// again to resize the topic.
func (m *Memory) CreateTopic(topic string, partitions int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[topic] = partitions
}

// PartitionCount implements producer.Transport.
func (m *Memory) PartitionCount(ctx context.Context, topic string) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.partitionCount(topic), nil
}

func (m *Memory) partitionCount(topic string) int32 {
	if n, ok := m.topics[topic]; ok {
		return n
	}
	return m.partitions
}

// Send implements delivery.Transport.
func (m *Memory) Send(ctx context.Context, b *batch.Batch) (delivery.Ack, error) {
	if m.Intercept != nil {
		if err := m.Intercept(ctx, b); err != nil {
			return delivery.Ack{}, err
		}
	}
	decoded, err := batch.Decode(b.Payload())
	if err != nil {
		return delivery.Ack{}, delivery.Fatal(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b.Partition < 0 || b.Partition >= m.partitionCount(b.Topic) {
		return delivery.Ack{}, delivery.Fatal(errors.Errorf("unknown partition %v", b.TopicPartition))
	}
	base := int64(len(m.logs[b.TopicPartition]))
	m.logs[b.TopicPartition] = append(m.logs[b.TopicPartition], decoded.Records...)
	return delivery.Ack{BaseOffset: base}, nil
}

// Records returns the records stored in a partition, in offset order.
func (m *Memory) Records(topic string, partition int32) []batch.DecodedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	tp := batch.TopicPartition{Topic: topic, Partition: partition}
	return append([]batch.DecodedRecord(nil), m.logs[tp]...)
}
