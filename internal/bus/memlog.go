package bus

import (
	"context"
	"sync"

	"dexrelay/internal/schema"
	"dexrelay/pkg/exception"

	"github.com/yanun0323/logs"
)

// MemLog is an in-process Bus: a partitioned append log with per-group
// committed offsets and count-bounded retention. It backs single-process
// deployments and tests; multi-process deployments use the JetStream
// implementation.
//
// One consumer per group at a time; a second Consume call on the same
// group would race on the group's offset.
type MemLog struct {
	mu     sync.Mutex
	cond   *sync.Cond
	parts  map[string]*memPartition
	groups map[string]map[string]uint64 // group -> partition -> next seq
	retain int
	closed bool
}

type memPartition struct {
	entries []schema.Envelope
	lastSeq uint64
}

// NewMemLog allocates a log retaining at most retain envelopes per
// partition.
func NewMemLog(retain int) *MemLog {
	if retain <= 0 {
		retain = 1024
	}
	b := &MemLog{
		parts:  make(map[string]*memPartition),
		groups: make(map[string]map[string]uint64),
		retain: retain,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Append writes one envelope to its partition. Sequence numbers must be
// strictly increasing per partition.
func (b *MemLog) Append(_ context.Context, env schema.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return exception.ErrBusClosed
	}
	if env.Network == "" {
		return exception.ErrUnknownPartition
	}
	p := b.parts[env.Network]
	if p == nil {
		p = &memPartition{}
		b.parts[env.Network] = p
	}
	if env.Sequence <= p.lastSeq {
		return exception.ErrBusUnavailable
	}
	p.entries = append(p.entries, env)
	p.lastSeq = env.Sequence
	if len(p.entries) > b.retain {
		p.entries = p.entries[len(p.entries)-b.retain:]
	}
	b.cond.Broadcast()
	return nil
}

// Consume reads envelopes for a group in partition-sequence order. The
// offset for each partition advances only after the handler returns nil
// for its envelope.
func (b *MemLog) Consume(ctx context.Context, group string, fn Handler) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	for {
		b.mu.Lock()
		var env schema.Envelope
		var found bool
		for {
			if ctx.Err() != nil {
				b.mu.Unlock()
				return ctx.Err()
			}
			if b.closed {
				b.mu.Unlock()
				return exception.ErrBusClosed
			}
			env, found = b.nextLocked(group)
			if found {
				break
			}
			b.cond.Wait()
		}
		b.mu.Unlock()

		if err := fn(env); err != nil {
			return err
		}

		b.mu.Lock()
		b.offsetsLocked(group)[env.Network] = env.Sequence + 1
		b.mu.Unlock()
	}
}

// Close stops the log; pending consumers return ErrBusClosed.
func (b *MemLog) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

func (b *MemLog) offsetsLocked(group string) map[string]uint64 {
	offsets := b.groups[group]
	if offsets == nil {
		offsets = make(map[string]uint64)
		b.groups[group] = offsets
	}
	return offsets
}

// nextLocked finds the lowest undelivered envelope for the group across
// partitions. When retention has trimmed past the committed offset the
// group resumes at the oldest retained envelope; the skipped range is an
// accepted catch-up gap, not a reorder.
func (b *MemLog) nextLocked(group string) (schema.Envelope, bool) {
	offsets := b.offsetsLocked(group)
	for name, p := range b.parts {
		if len(p.entries) == 0 {
			continue
		}
		next, seen := offsets[name]
		if !seen {
			// New groups start at the oldest retained envelope.
			next = p.entries[0].Sequence
			offsets[name] = next
		}
		oldest := p.entries[0].Sequence
		if next < oldest {
			logs.Warnf("bus: group %s fell behind retention on %s, skipping %d..%d", group, name, next, oldest-1)
			next = oldest
			offsets[name] = next
		}
		if next > p.lastSeq {
			continue
		}
		idx := int(next - oldest)
		if idx < 0 || idx >= len(p.entries) {
			continue
		}
		return p.entries[idx], true
	}
	return schema.Envelope{}, false
}
