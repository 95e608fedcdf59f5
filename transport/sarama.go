package transport

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/retry.v1"

	"github.com/heetch/outbound/batch"
	"github.com/heetch/outbound/delivery"
)

// SaramaConfig returns the sarama configuration used by ConnectSarama.
// Events are sent to the partition chosen by the producer and sarama
// never retries on its own. Sarama builds its own record batches, so
// the compression codec of the producer is passed along here.
func SaramaConfig(clientID string, compression batch.Compression) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V1_0_0_0
	cfg.ClientID = clientID
	cfg.Producer.Compression = saramaCompression(compression)
	if compression == batch.Zstd {
		// zstd needs produce requests of version 7 or later.
		cfg.Version = sarama.V2_1_0_0
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll // Wait for all in-sync replicas to ack the message
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	cfg.Producer.Retry.Max = 0
	// required for the SyncProducer, see https://godoc.org/github.com/IBM/sarama#SyncProducer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	return cfg
}

func saramaCompression(c batch.Compression) sarama.CompressionCodec {
	switch c {
	case batch.Gzip:
		return sarama.CompressionGZIP
	case batch.Snappy:
		return sarama.CompressionSnappy
	case batch.LZ4:
		return sarama.CompressionLZ4
	case batch.Zstd:
		return sarama.CompressionZSTD
	default:
		return sarama.CompressionNone
	}
}

// Sarama is a Transport sending batches with a sarama SyncProducer.
type Sarama struct {
	client   sarama.Client
	producer sarama.SyncProducer
}

// ConnectSarama connects to the brokers at addrs. The cluster might not
// be available immediately, so it tries for up to timeout before giving
// up.
func ConnectSarama(ctx context.Context, cfg *sarama.Config, addrs []string, timeout time.Duration, logger *zap.Logger) (*Sarama, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	strategy := retry.LimitTime(timeout, retry.Exponential{
		Initial:  10 * time.Millisecond,
		MaxDelay: time.Second,
	})

	t0 := time.Now()
	var client sarama.Client
	err := errors.New("connection cancelled")
	for a := retry.StartWithCancel(strategy, nil, ctx.Done()); a.Next(); {
		client, err = sarama.NewClient(addrs, cfg)
		if err == nil {
			break
		}
		if a.More() {
			logger.Warn("Cannot connect to Kafka, retrying", zap.Strings("brokers", addrs), zap.Error(err))
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to Kafka cluster at %q", addrs)
	}
	logger.Info("Connected to Kafka", zap.Strings("brokers", addrs), zap.Duration("after", time.Since(t0)))

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to create a producer")
	}
	return NewSaramaFrom(client, producer), nil
}

// NewSaramaFrom creates a transport using the given client for metadata
// and the given producer for sending.
func NewSaramaFrom(client sarama.Client, producer sarama.SyncProducer) *Sarama {
	return &Sarama{client: client, producer: producer}
}

// PartitionCount implements producer.Transport.
func (s *Sarama) PartitionCount(ctx context.Context, topic string) (int32, error) {
	if s.client == nil {
		return 0, errors.New("no metadata client")
	}
	if err := s.client.RefreshMetadata(topic); err != nil {
		return 0, errors.Wrapf(err, "failed to refresh metadata of topic %q", topic)
	}
	partitions, err := s.client.Partitions(topic)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to get partitions of topic %q", topic)
	}
	return int32(len(partitions)), nil
}

// Send implements delivery.Transport.
func (s *Sarama) Send(ctx context.Context, b *batch.Batch) (delivery.Ack, error) {
	events := b.Events()
	msgs := make([]*sarama.ProducerMessage, len(events))
	for i, ev := range events {
		msg := &sarama.ProducerMessage{
			Topic:     b.Topic,
			Partition: b.Partition,
			Value:     sarama.ByteEncoder(ev.Value),
			Timestamp: ev.Timestamp,
		}
		if ev.Key != nil {
			msg.Key = sarama.ByteEncoder(ev.Key)
		}
		for _, h := range ev.Headers {
			msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(h.Key), Value: h.Value})
		}
		msgs[i] = msg
	}

	done := make(chan error, 1)
	go func() {
		done <- s.producer.SendMessages(msgs)
	}()
	select {
	case err := <-done:
		if err != nil {
			return delivery.Ack{}, classifySarama(err)
		}
	case <-ctx.Done():
		return delivery.Ack{}, ctx.Err()
	}
	if len(msgs) == 0 {
		return delivery.Ack{BaseOffset: -1}, nil
	}
	return delivery.Ack{BaseOffset: msgs[0].Offset}, nil
}

// Close closes the producer and the client.
func (s *Sarama) Close() error {
	err := s.producer.Close()
	if s.client != nil && !s.client.Closed() {
		if cerr := s.client.Close(); err == nil {
			err = cerr
		}
	}
	return errors.Wrap(err, "failed to close sarama transport")
}

var fatalKErrors = map[sarama.KError]bool{
	sarama.ErrInvalidMessage:             true,
	sarama.ErrMessageSizeTooLarge:        true,
	sarama.ErrInvalidTopic:               true,
	sarama.ErrMessageSetSizeTooLarge:     true,
	sarama.ErrInvalidRequiredAcks:        true,
	sarama.ErrTopicAuthorizationFailed:   true,
	sarama.ErrClusterAuthorizationFailed: true,
	sarama.ErrUnsupportedVersion:         true,
	sarama.ErrInvalidRecord:              true,
}

// classifySarama marks broker rejections that retrying cannot fix as
// fatal. Everything else, network errors included, is retriable.
func classifySarama(err error) error {
	cause := err
	var perrs sarama.ProducerErrors
	if errors.As(err, &perrs) && len(perrs) > 0 {
		cause = perrs[0].Err
	}
	var kerr sarama.KError
	if errors.As(cause, &kerr) && fatalKErrors[kerr] {
		return delivery.Fatal(cause)
	}
	var cerr sarama.ConfigurationError
	if errors.As(cause, &cerr) {
		return delivery.Fatal(cause)
	}
	return delivery.Retriable(cause)
}
