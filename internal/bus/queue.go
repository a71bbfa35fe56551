package bus

import (
	"context"
	"sync/atomic"
	"time"

	"dexrelay/internal/schema"
	"dexrelay/pkg/exception"
)

// Queue is a bounded envelope queue linking a producer stage to a
// consumer stage. A full queue makes the producer wait up to a bounded
// timeout, then drops the oldest pending envelope instead of stalling
// upstream reads.
type Queue struct {
	ch      chan schema.Envelope
	wait    time.Duration
	closed  uint32
	dropped uint64
}

// NewQueue allocates a queue with the given capacity and full-queue
// wait budget.
func NewQueue(capacity int, wait time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan schema.Envelope, capacity), wait: wait}
}

// TryPublish enqueues an envelope without blocking.
func (q *Queue) TryPublish(env schema.Envelope) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return exception.ErrBusClosed
	}
	select {
	case q.ch <- env:
		return nil
	default:
		return exception.ErrMailboxFull
	}
}

// Publish enqueues an envelope, waiting up to the queue's budget when
// full. If still full after the wait, the oldest pending envelope is
// dropped to make room.
func (q *Queue) Publish(ctx context.Context, env schema.Envelope) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return exception.ErrBusClosed
	}
	select {
	case q.ch <- env:
		return nil
	default:
	}

	if q.wait > 0 {
		timer := time.NewTimer(q.wait)
		defer timer.Stop()
		select {
		case q.ch <- env:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	// Drop the oldest pending envelope and retry once.
	select {
	case <-q.ch:
		atomic.AddUint64(&q.dropped, 1)
	default:
	}
	select {
	case q.ch <- env:
		return nil
	default:
		atomic.AddUint64(&q.dropped, 1)
		return exception.ErrMailboxFull
	}
}

// Dropped returns the number of envelopes dropped by full-queue policy.
func (q *Queue) Dropped() uint64 {
	return atomic.LoadUint64(&q.dropped)
}

// Close stops the queue from accepting new envelopes.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// Run consumes envelopes until the context is done or the queue closes.
func (q *Queue) Run(ctx context.Context, handler func(schema.Envelope)) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-q.ch:
			if !ok {
				return
			}
			handler(env)
		}
	}
}
