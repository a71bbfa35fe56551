// Package bus provides the append-only, partitioned, ordered event log
// that decouples collectors from gateway consumers. Partition key is the
// network name; ordering is guaranteed within a partition only.
package bus

import (
	"context"

	"dexrelay/internal/schema"
)

// Handler processes one envelope. Returning an error stops the consumer
// without committing the envelope's offset.
type Handler func(env schema.Envelope) error

// Bus is the durable event log. Append is all-or-nothing per envelope;
// each consumer group tracks its own committed offset.
type Bus interface {
	// Append writes one envelope to its partition.
	Append(ctx context.Context, env schema.Envelope) error
	// Consume reads envelopes for a consumer group, in partition order,
	// starting after the group's committed offset. Blocks until ctx is
	// done or the handler fails.
	Consume(ctx context.Context, group string, fn Handler) error
	Close() error
}

// Sequencer assigns per-partition sequence numbers. One sequencer per
// partition writer; sequences are strictly increasing and contiguous.
type Sequencer struct {
	next uint64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequencer) Next() uint64 {
	s.next++
	return s.next
}
