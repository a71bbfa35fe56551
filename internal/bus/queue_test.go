package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"dexrelay/internal/schema"
	"dexrelay/pkg/exception"
)

func TestQueueTryPublishFull(t *testing.T) {
	q := NewQueue(1, 0)
	if err := q.TryPublish(envelope("ethereum", 1)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := q.TryPublish(envelope("ethereum", 2)); !errors.Is(err, exception.ErrMailboxFull) {
		t.Fatalf("second publish: %v", err)
	}
}

func TestQueuePublishDropsOldestWhenFull(t *testing.T) {
	q := NewQueue(1, 10*time.Millisecond)
	ctx := context.Background()
	if err := q.Publish(ctx, envelope("ethereum", 1)); err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	// Full and nobody draining: after the wait budget the oldest entry
	// is sacrificed.
	if err := q.Publish(ctx, envelope("ethereum", 2)); err != nil {
		t.Fatalf("publish 2: %v", err)
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped: %d", q.Dropped())
	}

	got := make(chan uint64, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, func(env schema.Envelope) {
			got <- env.Sequence
		})
	}()
	select {
	case seq := <-got:
		if seq != 2 {
			t.Fatalf("surviving sequence: %d", seq)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("nothing consumed")
	}
	q.Close()
	<-done
}

func TestQueueCloseStopsPublishAndRun(t *testing.T) {
	q := NewQueue(4, 0)
	if err := q.TryPublish(envelope("ethereum", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	q.Close()
	if err := q.TryPublish(envelope("ethereum", 2)); !errors.Is(err, exception.ErrBusClosed) {
		t.Fatalf("publish after close: %v", err)
	}

	// Run drains what was queued before the close, then returns.
	var seen int
	q.Run(context.Background(), func(schema.Envelope) { seen++ })
	if seen != 1 {
		t.Fatalf("drained: %d", seen)
	}
}
