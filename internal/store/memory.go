package store

import (
	"context"
	"sync"

	"dexrelay/internal/schema"
)

// Memory is an in-process Store for tests and store-less deployments.
type Memory struct {
	mu        sync.Mutex
	audits    []AuditEvent
	summaries []SessionSummary
}

// NewMemory allocates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (s *Memory) SaveAuditEvent(_ context.Context, env schema.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, AuditEvent{
		Network:  env.Network,
		Sequence: env.Sequence,
		Dex:      env.Event.DexName,
		Kind:     env.Event.KindName,
		Pool:     env.Event.Pool,
		Block:    env.Event.Block,
		TxHash:   env.Event.TxHash,
		Price:    env.Event.Price,
		IngestTs: env.IngestTs,
	})
	return nil
}

func (s *Memory) SaveSessionSummary(_ context.Context, summary SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *Memory) Close() error { return nil }

// AuditEvents returns a copy of the saved audit rows.
func (s *Memory) AuditEvents() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, len(s.audits))
	copy(out, s.audits)
	return out
}

// SessionSummaries returns a copy of the saved summaries.
func (s *Memory) SessionSummaries() []SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionSummary, len(s.summaries))
	copy(out, s.summaries)
	return out
}
