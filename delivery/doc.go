// Package delivery sends sealed batches through a Transport and
// resolves their handles.
//
// A failed attempt is retried with exponential backoff when its error
// is retriable, up to a maximum number of attempts. Fatal errors fail
// the batch at once. Transports mark their errors with Retriable or
// Fatal; unmarked errors and send timeouts are considered retriable.
//
// In Strict ordering, batches of a partition are sent one at a time
// in the order they were submitted: a batch waiting for a retry holds
// back every later batch of its partition. In Relaxed ordering batches
// are sent concurrently and may be written out of order.
package delivery
