package producer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/heetch/outbound/clock"
)

// partitionCounts caches the partition count of each topic for
// maxAge. A failed refresh keeps serving the previous count. Topics
// without partitions are not cached.
type partitionCounts struct {
	transport Transport
	maxAge    time.Duration
	clock     clock.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[string]countEntry
}

type countEntry struct {
	n       int32
	fetched time.Time
}

func newPartitionCounts(t Transport, cfg *Config) *partitionCounts {
	return &partitionCounts{
		transport: t,
		maxAge:    cfg.MetadataMaxAge,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		entries:   make(map[string]countEntry),
	}
}

func (pc *partitionCounts) get(ctx context.Context, topic string) (int32, error) {
	now := pc.clock.Now()
	pc.mu.Lock()
	e, ok := pc.entries[topic]
	pc.mu.Unlock()
	if ok && now.Sub(e.fetched) < pc.maxAge {
		return e.n, nil
	}

	n, err := pc.transport.PartitionCount(ctx, topic)
	if err != nil {
		if ok {
			pc.logger.Warn("Cannot refresh partition count, using the previous one",
				zap.String("topic", topic), zap.Int32("partitions", e.n), zap.Error(err))
			return e.n, nil
		}
		return 0, errors.Wrapf(err, "cannot get the partition count of topic %q", topic)
	}
	if ok && n != e.n {
		pc.logger.Info("Partition count changed",
			zap.String("topic", topic), zap.Int32("old", e.n), zap.Int32("new", n))
	}

	if n > 0 {
		pc.mu.Lock()
		pc.entries[topic] = countEntry{n: n, fetched: now}
		pc.mu.Unlock()
	}
	return n, nil
}
