package delivery

import (
	"math/rand"
	"time"

	"gopkg.in/retry.v1"
)

// Backoff is the default retry strategy: retry n sleeps
// min(Base * 2^(n-1), Max) plus a random jitter of up to Jitter times
// that delay. MaxAttempts bounds the total number of attempts,
// including the first one; zero means no bound.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	Jitter      float64
}

var _ retry.Strategy = Backoff{}

// NewTimer implements retry.Strategy.
func (b Backoff) NewTimer(now time.Time) retry.Timer {
	return &backoffTimer{b: b}
}

// Delay returns the delay before retry n, without jitter.
func (b Backoff) Delay(n int) time.Duration {
	d := b.Base
	for i := 1; i < n && (b.Max <= 0 || d < b.Max); i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

type backoffTimer struct {
	b       Backoff
	retries int
}

// NextSleep implements retry.Timer. It is called after each failed
// attempt.
func (t *backoffTimer) NextSleep(now time.Time) (time.Duration, bool) {
	if t.b.MaxAttempts > 0 && t.retries+1 >= t.b.MaxAttempts {
		return 0, false
	}
	t.retries++
	d := t.b.Delay(t.retries)
	if t.b.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Int63n(int64(float64(d)*t.b.Jitter) + 1))
	}
	return d, true
}
