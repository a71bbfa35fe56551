// Package session owns one client connection each: handshake and
// credential verification, heartbeat monitoring, inbound
// subscribe/unsubscribe handling, and ordered relay of dispatcher
// events back to the client.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"dexrelay/internal/auth"
	"dexrelay/internal/dispatcher"
	"dexrelay/internal/obs"
	"dexrelay/internal/schema"
	"dexrelay/internal/store"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"
)

// State is the session lifecycle state. Closed is terminal.
type State uint32

const (
	StateHandshaking State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons recorded in session summaries and metrics.
const (
	ReasonClientClose  = "client-close"
	ReasonHeartbeat    = "heartbeat-timeout"
	ReasonShutdown     = "server-shutdown"
	ReasonUnauthorized = "unauthorized"
	ReasonTransport    = "transport-error"
)

const writeTimeout = 5 * time.Second

var nextSessionID atomic.Uint64

// Config tunes per-session buffers and timeouts.
type Config struct {
	MailboxSize  int           `json:"mailboxSize"`
	PongWait     time.Duration `json:"pongWait"`
	StoreTimeout time.Duration `json:"storeTimeout"`
}

func (c Config) withDefaults() Config {
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	if c.PongWait <= 0 {
		c.PongWait = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	return c
}

// pingPeriod keeps pings comfortably inside the pong window.
func (c Config) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// Session is one connected client. It implements dispatcher.Outbound.
type Session struct {
	id     string
	cfg    Config
	conn   *websocket.Conn
	apiKey string

	registry *schema.Registry
	disp     *dispatcher.Dispatcher
	verifier auth.Verifier
	st       store.Store

	info       auth.ClientInfo
	mail       chan schema.Envelope
	replies    chan any
	forced     chan string
	done       chan struct{}
	writerDone chan struct{}
	reason     atomic.Pointer[string]
	state      atomic.Uint32
	startedAt  time.Time
}

// New builds a session over an accepted connection. apiKey comes from
// the handshake's Authorization header.
func New(cfg Config, conn *websocket.Conn, apiKey string, registry *schema.Registry, disp *dispatcher.Dispatcher, verifier auth.Verifier, st store.Store) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		id:         fmt.Sprintf("s-%d", nextSessionID.Add(1)),
		cfg:        cfg,
		conn:       conn,
		apiKey:     apiKey,
		registry:   registry,
		disp:       disp,
		verifier:   verifier,
		st:         st,
		mail:       make(chan schema.Envelope, cfg.MailboxSize),
		replies:    make(chan any, 16),
		forced:     make(chan string, 1),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID implements dispatcher.Outbound.
func (s *Session) ID() string { return s.id }

// Deliver implements dispatcher.Outbound: a non-blocking mailbox
// enqueue. A full mailbox loses the event for this session only.
func (s *Session) Deliver(env schema.Envelope) bool {
	if s.CurrentState() != StateActive {
		return false
	}
	select {
	case s.mail <- env:
		return true
	default:
		return false
	}
}

// ForceClose implements dispatcher.Outbound: schedules closure, telling
// the client why before the disconnect.
func (s *Session) ForceClose(reason string) {
	select {
	case s.forced <- reason:
	default:
	}
}

// CurrentState returns the lifecycle state.
func (s *Session) CurrentState() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(uint32(st))
}

// Run drives the session to its terminal state. It returns after the
// connection is closed and the summary is persisted.
func (s *Session) Run(ctx context.Context) {
	defer s.setState(StateClosed)

	s.setState(StateHandshaking)
	info, err := s.verifier.Verify(ctx, s.apiKey)
	if err != nil {
		// Failed handshakes never reach Active.
		_ = s.writeJSON(errorReply{Error: "unauthorized"})
		_ = s.conn.Close()
		obs.SessionsClosed.WithLabelValues(ReasonUnauthorized).Inc()
		return
	}
	s.info = info
	s.setState(StateAuthenticated)

	if err := s.disp.RegisterSession(s, info); err != nil {
		logs.Errorf("session[%s]: register: %v", s.id, err)
		_ = s.writeJSON(errorReply{Error: "service unavailable"})
		_ = s.conn.Close()
		obs.SessionsClosed.WithLabelValues(ReasonTransport).Inc()
		return
	}
	s.setState(StateActive)
	s.startedAt = time.Now()
	obs.SessionsOpened.Inc()
	logs.Infof("session[%s]: client %s connected (plan %s)", s.id, info.ClientID, info.Plan)

	go func() {
		defer close(s.writerDone)
		s.writePump(ctx)
	}()

	reason := s.readPump(ctx)
	s.setState(StateClosing)

	// Removal is serialized inside the dispatcher: once it returns, no
	// further delivery can target this session.
	stats, _ := s.disp.RemoveSession(s.id)
	close(s.done)
	<-s.writerDone
	_ = s.conn.Close()

	s.persistSummary(reason, stats)
	obs.SessionsClosed.WithLabelValues(reason).Inc()
	logs.Infof("session[%s]: closed (%s), delivered=%d dropped=%d", s.id, reason, stats.EventsDelivered, stats.EventsDropped)
}

// readPump consumes inbound requests until the connection dies, the
// heartbeat lapses, or a forced closure lands. Returns the close reason.
func (s *Session) readPump(ctx context.Context) string {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return s.closeReason(ctx, err)
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		s.handleRequest(raw)
	}
}

func (s *Session) closeReason(ctx context.Context, readErr error) string {
	if r := s.reason.Load(); r != nil {
		return *r
	}
	if ctx.Err() != nil {
		return ReasonShutdown
	}
	var netErr net.Error
	if errors.As(readErr, &netErr) && netErr.Timeout() {
		return ReasonHeartbeat
	}
	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ReasonClientClose
	}
	return ReasonTransport
}

// handleRequest parses one inbound message. Malformed payloads get an
// error reply; the session stays Active.
func (s *Session) handleRequest(raw []byte) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.reply(errorReply{Error: "invalid json"})
		return
	}

	switch req.Method {
	case methodSubscribe:
		filters, err := expandFilters(s.registry, req)
		if err != nil {
			s.reply(errorReply{Error: err.Error()})
			return
		}
		if err := s.disp.Subscribe(s.id, filters); err != nil {
			s.reply(errorReply{Error: err.Error()})
			return
		}
		s.reply(ackReply{Result: "ok", Subscribed: len(filters)})
	case methodUnsubscribe:
		filters, err := expandFilters(s.registry, req)
		if err != nil {
			s.reply(errorReply{Error: err.Error()})
			return
		}
		if err := s.disp.Unsubscribe(s.id, filters); err != nil {
			s.reply(errorReply{Error: err.Error()})
			return
		}
		s.reply(ackReply{Result: "ok"})
	default:
		s.reply(errorReply{Error: "unknown method: " + req.Method})
	}
}

// reply hands a control message to the writer. A dead writer drops the
// reply instead of wedging the read loop behind a full channel.
func (s *Session) reply(msg any) {
	select {
	case s.replies <- msg:
	case <-s.writerDone:
	case <-s.done:
	}
}

// writePump is the only writer on the connection: event relay in
// arrival order, control replies, heartbeat pings, and forced-closure
// notices.
func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.pingPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.noteReason(ReasonShutdown)
			_ = s.writeControl(websocket.CloseGoingAway, "shutting down")
			_ = s.conn.Close()
			return
		case reason := <-s.forced:
			s.noteReason(reason)
			// Deliveries already charged to the client go out before
			// the closure notice.
			s.flushMail()
			_ = s.writeJSON(errorReply{Error: reason})
			_ = s.writeControl(websocket.ClosePolicyViolation, reason)
			_ = s.conn.Close()
			return
		case env := <-s.mail:
			if err := s.writeJSON(env.Event); err != nil {
				s.noteReason(ReasonTransport)
				_ = s.conn.Close()
				return
			}
		case msg := <-s.replies:
			if err := s.writeJSON(msg); err != nil {
				s.noteReason(ReasonTransport)
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				s.noteReason(ReasonTransport)
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *Session) flushMail() {
	for {
		select {
		case env := <-s.mail:
			if err := s.writeJSON(env.Event); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) noteReason(reason string) {
	s.reason.CompareAndSwap(nil, &reason)
}

func (s *Session) writeJSON(msg any) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *Session) writeControl(code int, text string) error {
	return s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(writeTimeout))
}

// persistSummary flushes the session record. Best-effort: failures are
// logged, never propagated.
func (s *Session) persistSummary(reason string, stats dispatcher.Stats) {
	if s.st == nil {
		return
	}
	closedAt := time.Now()
	summary := store.SessionSummary{
		SessionID:       s.id,
		ClientID:        s.info.ClientID,
		StartedAt:       s.startedAt,
		ClosedAt:        closedAt,
		DurationMs:      closedAt.Sub(s.startedAt).Milliseconds(),
		CreditsUsed:     stats.CreditsUsed,
		EventsDelivered: stats.EventsDelivered,
		EventsDropped:   stats.EventsDropped,
		CloseReason:     reason,
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()
	if err := s.st.SaveSessionSummary(ctx, summary); err != nil {
		obs.StoreWriteFailures.Inc()
		logs.Warnf("session[%s]: summary: %v", s.id, err)
	}
}
