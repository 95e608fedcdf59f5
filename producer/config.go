package producer

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/retry.v1"

	"github.com/heetch/outbound/batch"
	"github.com/heetch/outbound/clock"
	"github.com/heetch/outbound/delivery"
	"github.com/heetch/outbound/partition"
)

// Config is used to configure the Producer.
type Config struct {
	// ClientID identifies the producer to the brokers.
	ClientID string

	// Brokers is the list of bootstrap servers, used by transports.
	Brokers []string

	// MaxBatchBytes bounds the uncompressed size of a batch.
	MaxBatchBytes int
	// MaxBatchRecords bounds the number of events in a batch.
	MaxBatchRecords int
	// Linger is how long a batch waits for more events after its
	// first one. Zero sends every event in its own batch.
	Linger time.Duration
	// Compression is applied to sealed batches.
	Compression batch.Compression

	// MaxInFlightBytes bounds the encoded bytes submitted but not yet
	// acknowledged or failed. It must be at least MaxBatchBytes.
	MaxInFlightBytes int64
	// MaxInFlightRecords bounds the events submitted but not yet
	// acknowledged or failed.
	MaxInFlightRecords int64
	// Backpressure selects what Submit does when the limits above are
	// reached.
	Backpressure Backpressure
	// SubmitTimeout bounds how long Submit blocks in Block mode.
	SubmitTimeout time.Duration

	// MaxRetryAttempts is the total number of attempts per batch.
	MaxRetryAttempts int
	// RetryBaseDelay is the delay before the first retry. It doubles
	// on every retry up to RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// RetryJitter adds up to RetryJitter times the delay, at random.
	RetryJitter float64
	// RetryStrategy, when set, replaces the strategy built from the
	// Retry fields above.
	RetryStrategy retry.Strategy

	// SendTimeout bounds each delivery attempt.
	SendTimeout time.Duration
	// Ordering selects strict or relaxed per-partition ordering.
	Ordering delivery.Ordering
	// MaxConcurrentSends bounds concurrent attempts in relaxed mode.
	MaxConcurrentSends int

	// MetadataMaxAge is how long partition counts are cached.
	MetadataMaxAge time.Duration

	// Partitioner routes events. Defaults to partition.NewRouter().
	Partitioner partition.Partitioner

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Registerer receives the producer metrics when set.
	Registerer prometheus.Registerer

	// Clock defaults to the system clock.
	Clock clock.Clock
}

// NewConfig creates a config with sane defaults.
func NewConfig(clientID string, addrs ...string) Config {
	return Config{
		ClientID:           clientID,
		Brokers:            addrs,
		MaxBatchBytes:      1 << 20,
		MaxBatchRecords:    10000,
		Linger:             5 * time.Millisecond,
		MaxInFlightBytes:   64 << 20,
		MaxInFlightRecords: 100000,
		Backpressure:       Block,
		SubmitTimeout:      30 * time.Second,
		MaxRetryAttempts:   5,
		RetryBaseDelay:     100 * time.Millisecond,
		RetryMaxDelay:      10 * time.Second,
		RetryJitter:        0.2,
		SendTimeout:        30 * time.Second,
		Ordering:           delivery.Strict,
		MaxConcurrentSends: 5,
		MetadataMaxAge:     5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.MaxBatchBytes <= 0:
		return errors.New("max_batch_bytes must be positive")
	case c.MaxBatchRecords <= 0:
		return errors.New("max_batch_records must be positive")
	case c.Linger < 0:
		return errors.New("linger_ms must not be negative")
	case c.MaxInFlightBytes < int64(c.MaxBatchBytes):
		return errors.Errorf("max_in_flight_bytes (%d) must be at least max_batch_bytes (%d)", c.MaxInFlightBytes, c.MaxBatchBytes)
	case c.MaxInFlightRecords <= 0:
		return errors.New("max_in_flight_records must be positive")
	case c.Backpressure == Block && c.SubmitTimeout <= 0:
		return errors.New("submit_timeout_ms must be positive in block mode")
	case c.RetryStrategy == nil && c.MaxRetryAttempts <= 0:
		return errors.New("max_retry_attempts must be positive")
	case c.RetryStrategy == nil && c.RetryBaseDelay < 0:
		return errors.New("retry_base_delay_ms must not be negative")
	case c.RetryStrategy == nil && c.RetryMaxDelay < c.RetryBaseDelay:
		return errors.New("retry_max_delay_ms must be at least retry_base_delay_ms")
	case c.RetryJitter < 0:
		return errors.New("retry_jitter must not be negative")
	case c.SendTimeout <= 0:
		return errors.New("send_timeout_ms must be positive")
	}
	return nil
}

func (c *Config) strategy() retry.Strategy {
	if c.RetryStrategy != nil {
		return c.RetryStrategy
	}
	return delivery.Backoff{
		Base:        c.RetryBaseDelay,
		Max:         c.RetryMaxDelay,
		MaxAttempts: c.MaxRetryAttempts,
		Jitter:      c.RetryJitter,
	}
}

// LoadConfig overrides the defaults of NewConfig with the keys set in v.
// Durations are read in milliseconds from the *_ms keys.
func LoadConfig(v *viper.Viper) (Config, error) {
	c := NewConfig(v.GetString("client_id"), v.GetStringSlice("bootstrap_servers")...)

	ms := func(key string, d *time.Duration) {
		if v.IsSet(key) {
			*d = time.Duration(v.GetInt64(key)) * time.Millisecond
		}
	}
	if v.IsSet("max_batch_bytes") {
		c.MaxBatchBytes = v.GetInt("max_batch_bytes")
	}
	if v.IsSet("max_batch_records") {
		c.MaxBatchRecords = v.GetInt("max_batch_records")
	}
	ms("linger_ms", &c.Linger)
	if v.IsSet("max_in_flight_bytes") {
		c.MaxInFlightBytes = v.GetInt64("max_in_flight_bytes")
	}
	if v.IsSet("max_in_flight_records") {
		c.MaxInFlightRecords = v.GetInt64("max_in_flight_records")
	}
	ms("submit_timeout_ms", &c.SubmitTimeout)
	if v.IsSet("max_retry_attempts") {
		c.MaxRetryAttempts = v.GetInt("max_retry_attempts")
	}
	ms("retry_base_delay_ms", &c.RetryBaseDelay)
	ms("retry_max_delay_ms", &c.RetryMaxDelay)
	if v.IsSet("retry_jitter") {
		c.RetryJitter = v.GetFloat64("retry_jitter")
	}
	ms("send_timeout_ms", &c.SendTimeout)
	if v.IsSet("max_concurrent_sends") {
		c.MaxConcurrentSends = v.GetInt("max_concurrent_sends")
	}
	ms("metadata_max_age_ms", &c.MetadataMaxAge)

	var err error
	if c.Backpressure, err = ParseBackpressure(v.GetString("backpressure_mode")); err != nil {
		return c, err
	}
	if c.Ordering, err = delivery.ParseOrdering(v.GetString("ordering_mode")); err != nil {
		return c, err
	}
	if c.Compression, err = batch.ParseCompression(v.GetString("compression")); err != nil {
		return c, err
	}
	return c, errors.Wrap(c.Validate(), "invalid producer configuration")
}
