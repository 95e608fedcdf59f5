package delivery

import (
	"context"

	"github.com/heetch/outbound/batch"
)

// Transport writes a sealed batch to its topic partition.
//
// Send must honour ctx and report the offset assigned to the first
// event of the batch. Retrying is not the transport's job.
type Transport interface {
	Send(ctx context.Context, b *batch.Batch) (Ack, error)
}

// Ack is a broker acknowledgement.
type Ack struct {
	// BaseOffset is the offset of the first event, -1 when unknown.
	BaseOffset int64
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, b *batch.Batch) (Ack, error)

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, b *batch.Batch) (Ack, error) {
	return f(ctx, b)
}
