// Package collector maintains one websocket subscription per network
// feed, normalizes raw log notifications, and forwards them downstream
// exactly once per received notification.
package collector

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"dexrelay/internal/obs"
	"dexrelay/internal/schema"
	"dexrelay/pkg/backoff"
	"dexrelay/pkg/exception"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// State is the collector lifecycle state.
type State uint32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	subscribeWait    = 15 * time.Second
)

// Forward hands one normalized event downstream. It may block; the
// collector does not read further notifications until it returns.
type Forward func(ctx context.Context, ev schema.NormalizedEvent) error

// Status is a point-in-time view of a collector for health reporting.
type Status struct {
	Network       string    `json:"network"`
	State         string    `json:"state"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Reconnects    uint64    `json:"reconnects"`
}

// Collector owns the feed connection for one network. The subscription
// criteria are fixed at construction and re-applied verbatim on every
// reconnect.
type Collector struct {
	network schema.Network
	kinds   []schema.EventKind
	forward Forward

	dialer *websocket.Dialer
	bo     backoff.Backoff

	state      atomic.Uint32
	lastBeat   atomic.Int64
	reconnects atomic.Uint64
	reqID      atomic.Uint64
}

// New builds a collector for a network. kinds narrows the subscription;
// empty means all supported event kinds.
func New(network schema.Network, kinds []schema.EventKind, forward Forward) *Collector {
	return &Collector{
		network: network,
		kinds:   kinds,
		forward: forward,
		dialer:  &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		bo:      backoff.Default(),
	}
}

// Run connects, subscribes, and streams until ctx is canceled. Transport
// failures never escape: the collector backs off and reconnects with the
// same criteria. Always returns nil after a clean stop.
func (c *Collector) Run(ctx context.Context) error {
	defer c.setState(StateStopped)

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			logs.Warnf("collector[%s]: dial: %v", c.network.Name, err)
			if !c.waitRetry(ctx, attempt) {
				return nil
			}
			continue
		}

		if err := c.subscribe(conn); err != nil {
			logs.Errorf("collector[%s]: subscribe: %v", c.network.Name, err)
			_ = conn.Close()
			if !c.waitRetry(ctx, attempt) {
				return nil
			}
			continue
		}

		c.setState(StateStreaming)
		c.touch()
		attempt = -1 // healthy stream resets the backoff ladder
		if err := c.stream(ctx, conn); err != nil {
			logs.Warnf("collector[%s]: stream: %v", c.network.Name, err)
		}
		_ = conn.Close()
	}
}

// Status reports the collector's current health.
func (c *Collector) Status() Status {
	return Status{
		Network:       c.network.Name,
		State:         State(c.state.Load()).String(),
		LastHeartbeat: time.Unix(0, c.lastBeat.Load()),
		Reconnects:    c.reconnects.Load(),
	}
}

// LastHeartbeat returns the time of the last message from the feed.
func (c *Collector) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastBeat.Load())
}

// CurrentState returns the lifecycle state.
func (c *Collector) CurrentState() State {
	return State(c.state.Load())
}

func (c *Collector) setState(s State) {
	c.state.Store(uint32(s))
}

func (c *Collector) touch() {
	c.lastBeat.Store(time.Now().UnixNano())
}

func (c *Collector) waitRetry(ctx context.Context, attempt int) bool {
	c.setState(StateBackoff)
	c.reconnects.Add(1)
	obs.CollectorReconnects.WithLabelValues(c.network.Name).Inc()
	return c.bo.Sleep(ctx, attempt) == nil
}

func (c *Collector) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.network.Endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(exception.ErrTransport, err.Error())
	}
	return conn, nil
}

// subscribe sends the log subscription request and waits for its ack.
// The filter is rebuilt from the fixed criteria each call.
func (c *Collector) subscribe(conn *websocket.Conn) error {
	id := c.reqID.Add(1)
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "eth_subscribe",
		Params: []any{"logs", logFilter{
			Address: c.network.Pools,
			Topics:  [][]string{subscribeTopics(c.kinds)},
		}},
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return errors.Wrap(exception.ErrTransport, err.Error())
	}

	// Notifications for other subscriptions cannot arrive before the
	// ack, so the next frames are either the reply or a feed error.
	deadline := time.Now().Add(subscribeWait)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg rpcMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return errors.Wrap(exception.ErrTransport, err.Error())
		}
		if msg.ID != id {
			continue
		}
		if msg.Error != nil {
			return errors.Wrap(exception.ErrSubscribeRefused, msg.Error.Message)
		}
		return nil
	}
}

// stream reads notifications until the connection breaks or ctx ends.
// An in-flight forward always completes before the loop observes
// cancellation.
func (c *Collector) stream(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		c.touch()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepAlive(ctx, conn, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(exception.ErrTransport, err.Error())
		}
		c.touch()
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg rpcMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			obs.ParseSkips.WithLabelValues(c.network.Name).Inc()
			logs.Warnf("collector[%s]: undecodable frame: %v", c.network.Name, err)
			continue
		}
		if msg.Method != "eth_subscription" || msg.Params == nil {
			continue
		}

		ev, err := normalizeLog(c.network.Name, msg.Params.Result)
		if err != nil {
			obs.ParseSkips.WithLabelValues(c.network.Name).Inc()
			logs.Warnf("collector[%s]: skip notification: %v", c.network.Name, err)
			continue
		}

		obs.EventsIngested.WithLabelValues(c.network.Name, ev.KindName).Inc()
		if err := c.forward(ctx, ev); err != nil {
			logs.Warnf("collector[%s]: forward %s: %v", c.network.Name, ev.TxHash, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// keepAlive pings the feed and force-closes the connection on ctx
// cancellation so the blocked read returns.
func (c *Collector) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
