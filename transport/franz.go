package transport

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"

	"github.com/heetch/outbound/batch"
	"github.com/heetch/outbound/delivery"
)

// Franz is a Transport writing the encoded record batches as they are
// in produce requests sent to the partition leaders.
type Franz struct {
	client  *kgo.Client
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	leaders map[batch.TopicPartition]int32
}

// NewFranz creates a franz-go client for addrs. timeout is the time
// the brokers may take to replicate a batch before answering.
func NewFranz(clientID string, addrs []string, timeout time.Duration, logger *zap.Logger) (*Franz, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(addrs...),
		kgo.ClientID(clientID),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create franz-go client")
	}
	return NewFranzFrom(client, timeout, logger), nil
}

// NewFranzFrom creates a transport using an existing client.
func NewFranzFrom(client *kgo.Client, timeout time.Duration, logger *zap.Logger) *Franz {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Franz{
		client:  client,
		timeout: timeout,
		logger:  logger,
		leaders: make(map[batch.TopicPartition]int32),
	}
}

// PartitionCount implements producer.Transport. It also refreshes the
// partition leaders of topic.
func (f *Franz) PartitionCount(ctx context.Context, topic string) (int32, error) {
	t, err := f.metadata(ctx, topic)
	if err != nil {
		return 0, err
	}
	return int32(len(t.Partitions)), nil
}

func (f *Franz) metadata(ctx context.Context, topic string) (*kmsg.MetadataResponseTopic, error) {
	req := kmsg.NewPtrMetadataRequest()
	rt := kmsg.NewMetadataRequestTopic()
	rt.Topic = kmsg.StringPtr(topic)
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, f.client)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to request metadata of topic %q", topic)
	}
	if len(resp.Topics) != 1 {
		return nil, errors.Errorf("metadata response has %d topics, expected 1", len(resp.Topics))
	}
	t := &resp.Topics[0]
	if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
		return nil, errors.Wrapf(err, "cannot get metadata of topic %q", topic)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range t.Partitions {
		f.leaders[batch.TopicPartition{Topic: topic, Partition: p.Partition}] = p.Leader
	}
	return t, nil
}

func (f *Franz) leader(ctx context.Context, tp batch.TopicPartition) (int32, error) {
	f.mu.Lock()
	id, ok := f.leaders[tp]
	f.mu.Unlock()
	if ok && id >= 0 {
		return id, nil
	}
	if _, err := f.metadata(ctx, tp.Topic); err != nil {
		return -1, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok = f.leaders[tp]
	if !ok || id < 0 {
		return -1, errors.Errorf("no leader for %v", tp)
	}
	return id, nil
}

func (f *Franz) forgetLeader(tp batch.TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.leaders, tp)
}

// Send implements delivery.Transport.
func (f *Franz) Send(ctx context.Context, b *batch.Batch) (delivery.Ack, error) {
	leader, err := f.leader(ctx, b.TopicPartition)
	if err != nil {
		return delivery.Ack{}, classifyFranz(err)
	}

	req := kmsg.NewPtrProduceRequest()
	req.Acks = -1
	req.TimeoutMillis = int32(f.timeout / time.Millisecond)
	rt := kmsg.NewProduceRequestTopic()
	rt.Topic = b.Topic
	rp := kmsg.NewProduceRequestTopicPartition()
	rp.Partition = b.Partition
	rp.Records = b.Payload()
	rt.Partitions = append(rt.Partitions, rp)
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, f.client.Broker(int(leader)))
	if err != nil {
		f.forgetLeader(b.TopicPartition)
		return delivery.Ack{}, classifyFranz(err)
	}
	if len(resp.Topics) != 1 || len(resp.Topics[0].Partitions) != 1 {
		return delivery.Ack{}, delivery.Retriable(errors.New("malformed produce response"))
	}
	p := resp.Topics[0].Partitions[0]
	if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
		if errors.Is(err, kerr.NotLeaderForPartition) || errors.Is(err, kerr.UnknownTopicOrPartition) {
			f.logger.Debug("Partition leader moved", zap.Stringer("partition", b.TopicPartition), zap.Int32("leader", leader))
			f.forgetLeader(b.TopicPartition)
		}
		return delivery.Ack{}, classifyFranz(err)
	}
	return delivery.Ack{BaseOffset: p.BaseOffset}, nil
}

// Close closes the client.
func (f *Franz) Close() error {
	f.client.Close()
	return nil
}

// classifyFranz relies on the retriability documented by kerr. Other
// failures, such as lost connections, are retriable.
func classifyFranz(err error) error {
	var ke *kerr.Error
	if errors.As(err, &ke) && !kerr.IsRetriable(err) {
		return delivery.Fatal(err)
	}
	return delivery.Retriable(err)
}
