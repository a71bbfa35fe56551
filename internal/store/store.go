// Package store persists audit events and session summaries. Writes are
// best-effort: callers log failures and keep the delivery path moving.
package store

import (
	"context"
	"time"

	"dexrelay/internal/schema"
	"dexrelay/pkg/conn"
	"dexrelay/pkg/exception"

	"github.com/yanun0323/errors"
)

// AuditEvent is one relayed envelope flattened for analytics.
type AuditEvent struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	Network  string `gorm:"index:idx_audit_partition"`
	Sequence uint64 `gorm:"index:idx_audit_partition"`
	Dex      string
	Kind     string
	Pool     string `gorm:"index"`
	Block    uint64
	TxHash   string
	Price    string
	IngestTs int64
	SavedAt  time.Time `gorm:"autoCreateTime"`
}

// SessionSummary records one closed client session.
type SessionSummary struct {
	SessionID       string `gorm:"primaryKey"`
	ClientID        string `gorm:"index"`
	StartedAt       time.Time
	ClosedAt        time.Time
	DurationMs      int64
	CreditsUsed     int64
	EventsDelivered uint64
	EventsDropped   uint64
	CloseReason     string
}

// Store is the persistence capability consumed by the relay.
type Store interface {
	SaveAuditEvent(ctx context.Context, env schema.Envelope) error
	SaveSessionSummary(ctx context.Context, summary SessionSummary) error
	Close() error
}

// PG is the postgres-backed Store.
type PG struct {
	client *conn.Client
}

// NewPG opens the database and migrates the relay tables.
func NewPG(opt conn.Option) (*PG, error) {
	client, err := conn.New(opt)
	if err != nil {
		return nil, errors.Wrap(exception.ErrPersistence, err.Error())
	}
	if err := client.DB().AutoMigrate(&AuditEvent{}, &SessionSummary{}); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(exception.ErrPersistence, err.Error())
	}
	return &PG{client: client}, nil
}

// SaveAuditEvent inserts one audit row.
func (s *PG) SaveAuditEvent(ctx context.Context, env schema.Envelope) error {
	if s == nil || s.client == nil {
		return exception.ErrNilStore
	}
	row := AuditEvent{
		Network:  env.Network,
		Sequence: env.Sequence,
		Dex:      env.Event.DexName,
		Kind:     env.Event.KindName,
		Pool:     env.Event.Pool,
		Block:    env.Event.Block,
		TxHash:   env.Event.TxHash,
		Price:    env.Event.Price,
		IngestTs: env.IngestTs,
	}
	if err := s.client.DB().WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(exception.ErrPersistence, err.Error())
	}
	return nil
}

// SaveSessionSummary inserts one summary row.
func (s *PG) SaveSessionSummary(ctx context.Context, summary SessionSummary) error {
	if s == nil || s.client == nil {
		return exception.ErrNilStore
	}
	if err := s.client.DB().WithContext(ctx).Create(&summary).Error; err != nil {
		return errors.Wrap(exception.ErrPersistence, err.Error())
	}
	return nil
}

// Close releases the connection pool.
func (s *PG) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}
