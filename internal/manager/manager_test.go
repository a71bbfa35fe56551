package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dexrelay/internal/bus"
	"dexrelay/internal/schema"

	"github.com/gorilla/websocket"
)

const syncTopic = "0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1"

// fakeFeed acks eth_subscribe and streams canned sync logs.
func fakeFeed(t *testing.T, count int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		id, _ := json.Marshal(req["id"])
		ack := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":"0xsub"}`, id)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ack)); err != nil {
			return
		}

		for i := 0; i < count; i++ {
			data := "0x" + fmt.Sprintf("%064x", 100+i) + fmt.Sprintf("%064x", 200+i)
			frame := fmt.Sprintf(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xsub","result":{"address":"0xpool","topics":["%s"],"data":"%s","blockNumber":"0x%x","transactionHash":"0xt%d"}}}`,
				syncTopic, data, 16+i, i)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestManagerSequencesAndAppends(t *testing.T) {
	srv := fakeFeed(t, 3)
	defer srv.Close()

	registry := schema.NewRegistry()
	if _, err := registry.AddNetwork(schema.Network{
		Name:     "ethereum",
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}); err != nil {
		t.Fatalf("add network: %v", err)
	}

	log := bus.NewMemLog(64)
	m := New(Config{SweepInterval: time.Hour}, log)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = m.Run(ctx, registry)
	}()

	got := make(chan schema.Envelope, 8)
	consumeCtx, consumeCancel := context.WithCancel(context.Background())
	defer consumeCancel()
	go func() {
		_ = log.Consume(consumeCtx, "test", func(env schema.Envelope) error {
			got <- env
			return nil
		})
	}()

	var envs []schema.Envelope
	for len(envs) < 3 {
		select {
		case env := <-got:
			envs = append(envs, env)
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out, have %d envelopes", len(envs))
		}
	}
	for i, env := range envs {
		if env.Sequence != uint64(i+1) {
			t.Fatalf("envelope %d: sequence %d", i, env.Sequence)
		}
		if env.Network != "ethereum" || env.Event.Kind != schema.KindSync {
			t.Fatalf("envelope %d: %+v", i, env)
		}
		if env.IngestTs == 0 {
			t.Fatalf("envelope %d: missing ingest timestamp", i)
		}
	}

	health := m.Health()
	if len(health) != 1 || health[0].Network != "ethereum" {
		t.Fatalf("health: %+v", health)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not shut down")
	}
}

func TestManagerRestartKeepsSequenceMonotonic(t *testing.T) {
	srv := fakeFeed(t, 2)
	defer srv.Close()

	registry := schema.NewRegistry()
	if _, err := registry.AddNetwork(schema.Network{
		Name:     "base",
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}); err != nil {
		t.Fatalf("add network: %v", err)
	}

	log := bus.NewMemLog(64)
	m := New(Config{SweepInterval: time.Hour}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx, registry) }()

	got := make(chan schema.Envelope, 16)
	go func() {
		_ = log.Consume(ctx, "test", func(env schema.Envelope) error {
			got <- env
			return nil
		})
	}()

	seen := collectEnvelopes(t, got, 2)
	m.Restart("base")
	seen = append(seen, collectEnvelopes(t, got, 2)...)

	last := uint64(0)
	for i, env := range seen {
		if env.Sequence <= last {
			t.Fatalf("envelope %d: sequence %d not increasing past %d", i, env.Sequence, last)
		}
		last = env.Sequence
	}
}

func TestManagerRestartUnknownNetworkIsNoop(t *testing.T) {
	m := New(Config{}, bus.NewMemLog(8))
	m.Restart("nope")
	if len(m.Health()) != 0 {
		t.Fatal("expected no collectors")
	}
}

func collectEnvelopes(t *testing.T, ch <-chan schema.Envelope, n int) []schema.Envelope {
	t.Helper()
	out := make([]schema.Envelope, 0, n)
	for len(out) < n {
		select {
		case env := <-ch:
			out = append(out, env)
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out, have %d envelopes", len(out))
		}
	}
	return out
}
