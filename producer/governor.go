package producer

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/heetch/outbound/clock"
)

// Backpressure selects what Submit does when the in-flight limits are
// reached.
type Backpressure int

const (
	// Block waits for in-flight capacity, up to the submit timeout.
	Block Backpressure = iota
	// Reject fails immediately with ErrOverloaded.
	Reject
)

func (b Backpressure) String() string {
	if b == Reject {
		return "reject"
	}
	return "block"
}

// ParseBackpressure parses "block" or "reject".
func ParseBackpressure(s string) (Backpressure, error) {
	switch strings.ToLower(s) {
	case "", "block":
		return Block, nil
	case "reject":
		return Reject, nil
	}
	return Block, errors.Errorf("unknown backpressure mode %q", s)
}

// governor accounts for the bytes and records submitted but not yet
// acknowledged or failed.
type governor struct {
	maxBytes   int64
	maxRecords int64
	mode       Backpressure
	timeout    time.Duration
	clock      clock.Clock

	bytes   atomic.Int64
	records atomic.Int64

	// released is closed and replaced on every release.
	mu       sync.Mutex
	released chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newGovernor(cfg *Config) *governor {
	return &governor{
		maxBytes:   cfg.MaxInFlightBytes,
		maxRecords: cfg.MaxInFlightRecords,
		mode:       cfg.Backpressure,
		timeout:    cfg.SubmitTimeout,
		clock:      cfg.Clock,
		released:   make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

// acquire reserves n bytes and one record.
func (g *governor) acquire(ctx context.Context, n int64) error {
	if g.tryAcquire(n) {
		return nil
	}
	if g.mode == Reject {
		return ErrOverloaded
	}

	var timeout <-chan time.Time
	if g.timeout > 0 {
		timeout = g.clock.After(g.timeout)
	}
	for {
		g.mu.Lock()
		released := g.released
		g.mu.Unlock()

		if g.tryAcquire(n) {
			return nil
		}
		select {
		case <-released:
		case <-timeout:
			return ErrSubmitTimeout
		case <-g.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *governor) tryAcquire(n int64) bool {
	if !reserve(&g.bytes, n, g.maxBytes) {
		return false
	}
	if !reserve(&g.records, 1, g.maxRecords) {
		g.bytes.Add(-n)
		g.notify()
		return false
	}
	return true
}

// reserve adds n to v unless the result would exceed max.
func reserve(v *atomic.Int64, n, max int64) bool {
	for {
		cur := v.Load()
		if max > 0 && cur+n > max {
			return false
		}
		if v.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// release returns n bytes and one record.
func (g *governor) release(n int64) {
	g.bytes.Add(-n)
	g.records.Add(-1)
	g.notify()
}

func (g *governor) notify() {
	g.mu.Lock()
	close(g.released)
	g.released = make(chan struct{})
	g.mu.Unlock()
}

// close wakes up the blocked acquire calls, which fail with ErrClosed.
func (g *governor) close() {
	g.closeOnce.Do(func() { close(g.closed) })
}

func (g *governor) inFlight() (bytes, records int64) {
	return g.bytes.Load(), g.records.Load()
}
