package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"dexrelay/internal/schema"

	"github.com/gorilla/websocket"
)

// feedServer fakes an EVM websocket endpoint: it acks eth_subscribe,
// streams the queued logs, then drops the connection.
type feedServer struct {
	*httptest.Server
	logs       []logRecord
	subscribes atomic.Uint64
}

func newFeedServer(t *testing.T, records []logRecord) *feedServer {
	t.Helper()
	fs := &feedServer{logs: records}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method != "eth_subscribe" {
			t.Errorf("unexpected method: %s", req.Method)
			return
		}
		fs.subscribes.Add(1)
		ack := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"0xsub1"}`, req.ID)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ack)); err != nil {
			return
		}
		for _, rec := range fs.logs {
			body, _ := json.Marshal(rec)
			frame := fmt.Sprintf(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xsub1","result":%s}}`, body)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return fs
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func syncRecord(reserve0, reserve1 int64) logRecord {
	return logRecord{
		Address:     "0xpool",
		Topics:      []string{topicSyncV2},
		Data:        "0x" + word(big.NewInt(reserve0)) + word(big.NewInt(reserve1)),
		BlockNumber: "0x10",
		TxHash:      "0xt1",
	}
}

func TestCollectorStreamsNormalizedEvents(t *testing.T) {
	srv := newFeedServer(t, []logRecord{syncRecord(10, 20), syncRecord(11, 21)})
	defer srv.Close()

	got := make(chan schema.NormalizedEvent, 4)
	c := New(schema.Network{Name: "ethereum", Endpoint: wsURL(srv.Server)}, nil,
		func(_ context.Context, ev schema.NormalizedEvent) error {
			got <- ev
			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	for i := 0; i < 2; i++ {
		select {
		case ev := <-got:
			if ev.Network != "ethereum" || ev.Kind != schema.KindSync {
				t.Fatalf("event %d: %+v", i, ev)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	if c.CurrentState() != StateStreaming {
		t.Fatalf("state: %s", c.CurrentState())
	}
	if c.LastHeartbeat().IsZero() {
		t.Fatal("heartbeat never updated")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}
	if c.CurrentState() != StateStopped {
		t.Fatalf("state after stop: %s", c.CurrentState())
	}
}

func TestCollectorResubscribesAfterDisconnect(t *testing.T) {
	srv := newFeedServer(t, []logRecord{syncRecord(1, 2)})
	defer srv.Close()

	// Drop every connection right after the first notification so the
	// collector has to reconnect.
	events := make(chan schema.NormalizedEvent, 8)
	c := New(schema.Network{Name: "base", Endpoint: wsURL(srv.Server)}, nil,
		func(_ context.Context, ev schema.NormalizedEvent) error {
			events <- ev
			return nil
		})
	c.bo.Min, c.bo.Max = time.Millisecond, 50*time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("no event before disconnect")
	}

	srv.CloseClientConnections()

	deadline := time.After(8 * time.Second)
	for srv.subscribes.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("no resubscribe, subscribes=%d", srv.subscribes.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	if c.Status().Reconnects == 0 {
		t.Fatal("reconnect counter never advanced")
	}
}

func TestCollectorSkipsMalformedNotifications(t *testing.T) {
	bad := logRecord{Topics: []string{topicSyncV2}, Data: "0x00", BlockNumber: "0x10"}
	srv := newFeedServer(t, []logRecord{bad, syncRecord(3, 4)})
	defer srv.Close()

	events := make(chan schema.NormalizedEvent, 4)
	c := New(schema.Network{Name: "ethereum", Endpoint: wsURL(srv.Server)}, nil,
		func(_ context.Context, ev schema.NormalizedEvent) error {
			events <- ev
			return nil
		})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	select {
	case ev := <-events:
		// The malformed record is skipped; only the valid one arrives.
		if ev.Reserve0 != "3" || ev.Reserve1 != "4" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("valid event never arrived")
	}
}
