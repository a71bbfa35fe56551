package session

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"dexrelay/internal/auth"
	"dexrelay/internal/dispatcher"
	"dexrelay/internal/schema"
	"dexrelay/internal/store"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"
)

// Server accepts client connections and runs one Session per upgrade.
type Server struct {
	cfg      Config
	registry *schema.Registry
	disp     *dispatcher.Dispatcher
	verifier auth.Verifier
	st       store.Store

	upgrader websocket.Upgrader

	ctx context.Context
	wg  sync.WaitGroup
}

// NewServer wires the session dependencies. ctx bounds every accepted
// session's lifetime.
func NewServer(ctx context.Context, cfg Config, registry *schema.Registry, disp *dispatcher.Dispatcher, verifier auth.Verifier, st store.Store) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		registry: registry,
		disp:     disp,
		verifier: verifier,
		st:       st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx: ctx,
	}
}

// ServeHTTP upgrades the request and blocks until the session closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apiKey := bearerToken(r.Header.Get("Authorization"))
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("server: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	sess := New(s.cfg, conn, apiKey, s.registry, s.disp, s.verifier, s.st)
	s.wg.Add(1)
	defer s.wg.Done()
	sess.Run(s.ctx)
}

// Wait blocks until every running session has closed.
func (s *Server) Wait() {
	s.wg.Wait()
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return header
}
