package partition_test

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	qt "github.com/frankban/quicktest"

	"github.com/heetch/outbound/partition"
)

var jvmVectors = []struct {
	In  string
	Out int32
}{
	// https://github.com/aappleby/smhasher/blob/61a0530f28277f2e850bfc39600ce61d02b518de/src/main.cpp#L73
	{In: "Murmur2B", Out: 4},
	{In: "Murmur2C", Out: 5},
	// https://github.com/burdiyan/kafkautil/blob/master/partitioner_test.go#L20
	{In: "foobar", Out: 6},
	{In: "88d7a76c-48d4-4515-9547-8be944be4594", Out: 8},
}

func TestRouterKeyed(t *testing.T) {
	c := qt.New(t)

	r := partition.NewRouter()
	for _, v := range jvmVectors {
		p, err := r.Partition("test-topic", []byte(v.In), 12)
		c.Assert(err, qt.IsNil)
		c.Assert(p, qt.Equals, v.Out, qt.Commentf("key %q", v.In))
	}
}

func TestJVMCompatiblePartitioner(t *testing.T) {
	c := qt.New(t)

	partitioner := partition.NewJVMCompatiblePartitioner("test-topic")
	r := partition.NewRouter()
	for _, v := range jvmVectors {
		p, err := partitioner.Partition(&sarama.ProducerMessage{Key: sarama.StringEncoder(v.In)}, 12)
		c.Assert(err, qt.IsNil)
		c.Assert(p, qt.Equals, v.Out)

		rp, err := r.Partition("test-topic", []byte(v.In), 12)
		c.Assert(err, qt.IsNil)
		c.Assert(rp, qt.Equals, p)
	}
}

func TestRouterSameKeySamePartition(t *testing.T) {
	c := qt.New(t)

	rnd := rand.New(rand.NewSource(1))
	r := partition.NewRouter()
	for i := 0; i < 200; i++ {
		key := make([]byte, rnd.Intn(64))
		rnd.Read(key)
		n := int32(1 + rnd.Intn(100))

		first, err := r.Partition("t", key, n)
		c.Assert(err, qt.IsNil)
		c.Assert(first >= 0 && first < n, qt.IsTrue)
		for j := 0; j < 5; j++ {
			// Keyless traffic in between must not disturb keyed routing.
			_, err := r.Partition("t", nil, n)
			c.Assert(err, qt.IsNil)

			p, err := r.Partition("t", key, n)
			c.Assert(err, qt.IsNil)
			c.Assert(p, qt.Equals, first)
		}
	}
}

func TestRouterRoundRobin(t *testing.T) {
	c := qt.New(t)

	r := partition.NewRouter()
	var got []int32
	for i := 0; i < 7; i++ {
		p, err := r.Partition("a", nil, 3)
		c.Assert(err, qt.IsNil)
		got = append(got, p)
	}
	c.Assert(got, qt.DeepEquals, []int32{0, 1, 2, 0, 1, 2, 0})

	// Counters are kept per topic.
	p, err := r.Partition("b", nil, 3)
	c.Assert(err, qt.IsNil)
	c.Assert(p, qt.Equals, int32(0))
}

func TestRouterZeroValue(t *testing.T) {
	c := qt.New(t)

	var r partition.Router
	for i := int32(0); i < 4; i++ {
		p, err := r.Partition("a", nil, 2)
		c.Assert(err, qt.IsNil)
		c.Assert(p, qt.Equals, i%2)
	}
	p, err := r.Partition("a", []byte("Murmur2B"), 12)
	c.Assert(err, qt.IsNil)
	c.Assert(p, qt.Equals, int32(4))
}

func TestRouterPartitionCountChanges(t *testing.T) {
	c := qt.New(t)

	r := partition.NewRouter()
	for _, n := range []int32{12, 3, 1, 40} {
		for _, v := range jvmVectors {
			p, err := r.Partition("t", []byte(v.In), n)
			c.Assert(err, qt.IsNil)
			c.Assert(p >= 0 && p < n, qt.IsTrue)
		}
		p, err := r.Partition("t", nil, n)
		c.Assert(err, qt.IsNil)
		c.Assert(p >= 0 && p < n, qt.IsTrue)
	}
}

func TestRouterNoPartitions(t *testing.T) {
	c := qt.New(t)

	r := partition.NewRouter()
	_, err := r.Partition("t", []byte("k"), 0)
	c.Assert(err, qt.ErrorIs, partition.ErrNoPartitions)
	c.Assert(err, qt.ErrorMatches, `cannot route to topic "t": topic has no partitions`)
}

func TestRouterConcurrent(t *testing.T) {
	c := qt.New(t)

	r := partition.NewRouter()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = make(map[int32]int)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p, err := r.Partition("t", nil, 4)
				if err != nil {
					panic(fmt.Sprint(err))
				}
				mu.Lock()
				counts[p]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	c.Assert(counts, qt.DeepEquals, map[int32]int{0: 200, 1: 200, 2: 200, 3: 200})
}
