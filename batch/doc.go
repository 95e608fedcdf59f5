// Package batch accumulates encoded events into per-partition batches.
//
// A Batch moves through the states
//
//	Accumulating -> Sealed -> InFlight -> Acknowledged | Failed
//
// While accumulating, a Batch belongs to the Accumulator buffer of its
// topic and partition. Appending fails with ErrBufferFull once the
// batch would exceed its byte or record limit; the Accumulator then
// seals it and opens a new one. A batch is also sealed when its linger
// time, started by its first event, expires.
//
// Each appended event gets a Handle. All handles of a batch are
// resolved together, exactly once, when the batch is acknowledged or
// fails. A handle can be cancelled while its batch is still
// accumulating; after that it reports ErrAlreadySealed.
//
// A sealed batch carries its payload: a Kafka v2 record batch that can
// be written to a broker as is.
package batch
