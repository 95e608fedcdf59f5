package transport_test

import (
	"context"
	"os"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/heetch/kafkatest"
	"github.com/pkg/errors"

	"github.com/heetch/outbound/batch"
	"github.com/heetch/outbound/producer"
	"github.com/heetch/outbound/record"
	"github.com/heetch/outbound/transport"
)

type closer interface {
	Close() error
}

func newTestKafka(c *qt.C) *kafkatest.Kafka {
	if os.Getenv("KAFKA_ADDRS") == "" {
		c.Skip("KAFKA_ADDRS not set, skipping integration tests")
	}
	kt, err := kafkatest.New()
	if errors.Is(err, kafkatest.ErrDisabled) {
		c.Skip("skipping integration tests")
	}
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() {
		c.Check(kt.Close(), qt.IsNil)
	})
	return kt
}

func TestTransportsAgainstKafka(t *testing.T) {
	c := qt.New(t)
	kt := newTestKafka(c)
	ctx := context.Background()

	sar, err := transport.ConnectSarama(ctx, transport.SaramaConfig("outbound-test", batch.None), kt.Addrs(), 30*time.Second, nil)
	c.Assert(err, qt.IsNil)
	franz, err := transport.NewFranz("outbound-test", kt.Addrs(), 10*time.Second, nil)
	c.Assert(err, qt.IsNil)

	transports := map[string]producer.Transport{
		"sarama":   sar,
		"franz-go": franz,
		"kafka-go": transport.NewKafkaGo(kt.Addrs(), 10*time.Second),
	}
	for name, tr := range transports {
		tr := tr
		c.Run(name, func(c *qt.C) {
			if cl, ok := tr.(closer); ok {
				c.Cleanup(func() { c.Check(cl.Close(), qt.IsNil) })
			}
			topic := kt.NewTopic()

			p, err := producer.New(producer.NewConfig("outbound-test", kt.Addrs()...), tr)
			c.Assert(err, qt.IsNil)

			for i := int64(0); i < 3; i++ {
				res, err := p.SendSync(ctx, record.New(topic, []byte(`{"name":"jim"}`),
					record.StrKey("jim"),
					record.Header("tag1", "xxx1"),
					record.Header("tag2", "xxx2"),
				))
				c.Assert(err, qt.IsNil)
				c.Assert(res.Offset, qt.Equals, i)
			}
			c.Assert(p.Close(ctx), qt.IsNil)
		})
	}
}
