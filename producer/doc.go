// Package producer publishes events to Kafka through a bounded,
// batching pipeline.
//
// Submitted events are encoded into Kafka records, routed to a
// partition and appended to the pending batch of that partition. A
// batch is sealed when it is full or when its linger time expires, then
// delivered by a Transport. Transient failures are retried with an
// exponential backoff, fatal ones fail every event of the batch. Each
// event gets a Handle which resolves exactly once with the broker
// offset or the delivery error.
//
// The bytes and events submitted but not yet acknowledged are bounded
// by MaxInFlightBytes and MaxInFlightRecords. Once a limit is reached,
// Submit either blocks until capacity is released or fails with
// ErrOverloaded, depending on Config.Backpressure.
//
// Batches of a partition are delivered one after the other, so events
// of a partition are acknowledged in submission order even across
// retries. Config.Ordering set to delivery.Relaxed trades this
// guarantee for concurrent delivery.
//
// Transports for sarama, franz-go and kafka-go are provided by the
// transport package.
package producer
