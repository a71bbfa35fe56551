// Package auth is the API-key verification capability used during the
// session handshake.
package auth

import (
	"context"

	"dexrelay/pkg/exception"
)

// ClientInfo is the verified identity behind an API key.
type ClientInfo struct {
	ClientID string `json:"clientId"`
	Plan     string `json:"plan"`
	// CreditLimit is the plan's delivery budget per session.
	CreditLimit int64 `json:"creditLimit"`
}

// Verifier resolves an API key to a client. Implementations must be
// safe for concurrent use.
type Verifier interface {
	Verify(ctx context.Context, apiKey string) (ClientInfo, error)
}

// Static is a configuration-backed Verifier.
type Static struct {
	clients map[string]ClientInfo
}

// NewStatic builds a verifier over a fixed key set.
func NewStatic(clients map[string]ClientInfo) *Static {
	cloned := make(map[string]ClientInfo, len(clients))
	for k, v := range clients {
		cloned[k] = v
	}
	return &Static{clients: cloned}
}

// Verify looks up the key.
func (v *Static) Verify(_ context.Context, apiKey string) (ClientInfo, error) {
	if v == nil || apiKey == "" {
		return ClientInfo{}, exception.ErrUnauthorized
	}
	info, ok := v.clients[apiKey]
	if !ok {
		return ClientInfo{}, exception.ErrUnauthorized
	}
	return info, nil
}
