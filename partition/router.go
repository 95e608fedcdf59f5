// Package partition maps events to the partition of their topic.
package partition

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNoPartitions is returned when a topic reports no partitions.
var ErrNoPartitions = errors.New("topic has no partitions")

// Partitioner chooses the partition of an event given the current
// number of partitions of its topic.
type Partitioner interface {
	Partition(topic string, key []byte, numPartitions int32) (int32, error)
}

// Router is the default Partitioner.
//
// Keyed events are routed by the murmur2 hash of their key, exactly
// like the JVM Kafka clients: events sharing a key land on the same
// partition as long as the partition count does not change.
//
// Events without a key are spread with a round-robin counter kept per
// topic, starting at partition 0. The sequence only depends on the
// order of calls, so it is deterministic for a given run.
//
// The zero value is ready to use.
type Router struct {
	mu       sync.Mutex
	counters map[string]uint32
}

// NewRouter returns a Router.
func NewRouter() *Router {
	return &Router{counters: make(map[string]uint32)}
}

// Partition implements Partitioner.
func (r *Router) Partition(topic string, key []byte, numPartitions int32) (int32, error) {
	if numPartitions <= 0 {
		return -1, errors.Wrapf(ErrNoPartitions, "cannot route to topic %q", topic)
	}
	if key != nil {
		return toPositive(murmur2(key)) % numPartitions, nil
	}

	r.mu.Lock()
	if r.counters == nil {
		r.counters = make(map[string]uint32)
	}
	n := r.counters[topic]
	r.counters[topic] = n + 1
	r.mu.Unlock()
	return int32(n % uint32(numPartitions)), nil
}

// PartitionerFunc adapts a function to the Partitioner interface.
type PartitionerFunc func(topic string, key []byte, numPartitions int32) (int32, error)

// Partition implements Partitioner.
func (f PartitionerFunc) Partition(topic string, key []byte, numPartitions int32) (int32, error) {
	return f(topic, key, numPartitions)
}
