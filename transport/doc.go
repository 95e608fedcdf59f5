// Package transport provides the Transports the producer delivers
// batches through: one built on sarama, one sending the encoded record
// batches verbatim with franz-go, one built on kafka-go, and an
// in-memory log for tests and dry runs.
//
// Transports classify their errors with delivery.Retriable and
// delivery.Fatal but never retry themselves.
package transport
