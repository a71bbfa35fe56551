package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"dexrelay/internal/bus"
	"dexrelay/internal/schema"
	"dexrelay/internal/store"
)

type captureSink struct {
	mu   sync.Mutex
	envs []schema.Envelope
	got  chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{got: make(chan struct{}, 64)}
}

func (s *captureSink) Publish(env schema.Envelope) {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *captureSink) snapshot() []schema.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.Envelope, len(s.envs))
	copy(out, s.envs)
	return out
}

func syncEnvelope(seq uint64, reserve0, reserve1 string) schema.Envelope {
	return schema.NewEnvelope(seq, time.Now().UnixNano(), schema.NormalizedEvent{
		Network:  "ethereum",
		Dex:      schema.DexUniswapV2,
		Kind:     schema.KindSync,
		Pool:     "0xabc",
		Block:    100,
		TxHash:   "0xt",
		Reserve0: reserve0,
		Reserve1: reserve1,
	})
}

func TestAggregatorEnrichesAndForwards(t *testing.T) {
	log := bus.NewMemLog(64)
	sink := newCaptureSink()
	st := store.NewMemory()
	a := New(Config{}, log, sink, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()

	if err := log.Append(ctx, syncEnvelope(1, "100", "200")); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case <-sink.got:
	case <-time.After(5 * time.Second):
		t.Fatal("nothing forwarded")
	}

	envs := sink.snapshot()
	if len(envs) != 1 {
		t.Fatalf("forwarded %d envelopes", len(envs))
	}
	if envs[0].Event.Price != "2" {
		t.Fatalf("price: %s", envs[0].Event.Price)
	}
	if envs[0].Sequence != 1 {
		t.Fatalf("sequence: %d", envs[0].Sequence)
	}

	// Audit write is async; give it a moment.
	deadline := time.After(5 * time.Second)
	for len(st.AuditEvents()) == 0 {
		select {
		case <-deadline:
			t.Fatal("audit row never saved")
		case <-time.After(10 * time.Millisecond):
		}
	}
	rows := st.AuditEvents()
	if rows[0].Price != "2" || rows[0].Network != "ethereum" {
		t.Fatalf("audit row: %+v", rows[0])
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("aggregator did not stop")
	}
}

func TestAggregatorDropsSynthFailures(t *testing.T) {
	log := bus.NewMemLog(64)
	sink := newCaptureSink()
	a := New(Config{}, log, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	// Malformed reserves: dropped. Valid envelope afterwards still flows.
	if err := log.Append(ctx, syncEnvelope(1, "0", "200")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Append(ctx, syncEnvelope(2, "10", "30")); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case <-sink.got:
	case <-time.After(5 * time.Second):
		t.Fatal("valid envelope never forwarded")
	}
	envs := sink.snapshot()
	if len(envs) != 1 || envs[0].Sequence != 2 {
		t.Fatalf("unexpected forwards: %+v", envs)
	}
	if envs[0].Event.Price != "3" {
		t.Fatalf("price: %s", envs[0].Event.Price)
	}
}
