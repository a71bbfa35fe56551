// Package aggregator consumes the event bus for one gateway process,
// synthesizes client-facing price fields, and forwards enriched
// envelopes to the dispatcher. Audit persistence rides alongside and is
// strictly best-effort.
package aggregator

import (
	"context"
	"errors"
	"time"

	"dexrelay/internal/bus"
	"dexrelay/internal/obs"
	"dexrelay/internal/schema"
	"dexrelay/internal/store"
	"dexrelay/pkg/backoff"
	"dexrelay/pkg/exception"

	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

// Sink receives enriched envelopes, typically the dispatcher.
type Sink interface {
	Publish(env schema.Envelope)
}

// Config tunes the aggregator's internal queues.
type Config struct {
	Group         string        `json:"group"`
	QueueCapacity int           `json:"queueCapacity"`
	QueueWait     time.Duration `json:"queueWait"`
	AuditCapacity int           `json:"auditCapacity"`
	StoreTimeout  time.Duration `json:"storeTimeout"`
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = "gateway"
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.QueueWait <= 0 {
		c.QueueWait = 100 * time.Millisecond
	}
	if c.AuditCapacity <= 0 {
		c.AuditCapacity = 4096
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	return c
}

// Aggregator is one bus consumer feeding one dispatcher.
type Aggregator struct {
	cfg  Config
	log  bus.Bus
	sink Sink
	st   store.Store

	out    *bus.Queue
	audits *bus.Queue
}

// New builds an aggregator. st may be nil to disable audit writes.
func New(cfg Config, log bus.Bus, sink Sink, st store.Store) *Aggregator {
	cfg = cfg.withDefaults()
	return &Aggregator{
		cfg:    cfg,
		log:    log,
		sink:   sink,
		st:     st,
		out:    bus.NewQueue(cfg.QueueCapacity, cfg.QueueWait),
		audits: bus.NewQueue(cfg.AuditCapacity, 0),
	}
}

// Run consumes the bus until ctx is done. Bus unavailability backs off
// and retries; connected sessions just stop receiving until recovery.
func (a *Aggregator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			cancel()
		case <-ctx.Done():
		}
	}()

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		a.out.Run(context.Background(), func(env schema.Envelope) {
			a.sink.Publish(env)
		})
	}()

	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		a.audits.Run(context.Background(), a.saveAudit)
	}()

	bo := backoff.Default()
	attempt := 0
	for {
		err := a.log.Consume(ctx, a.cfg.Group, func(env schema.Envelope) error {
			a.handle(ctx, env)
			return nil
		})
		if ctx.Err() != nil || errors.Is(err, exception.ErrBusClosed) {
			break
		}
		attempt++
		logs.Warnf("aggregator: bus consume failed (attempt %d): %v", attempt, err)
		if bo.Sleep(ctx, attempt) != nil {
			break
		}
	}

	a.out.Close()
	<-forwardDone
	a.audits.Close()
	<-auditDone
	return nil
}

// handle enriches one envelope and forwards it. Synthesis failures drop
// the envelope with a log; they never stop the consumer.
func (a *Aggregator) handle(ctx context.Context, env schema.Envelope) {
	obs.BusConsumed.Inc()

	price, err := synthesize(env.Event)
	if err != nil {
		obs.SynthFailures.Inc()
		logs.Warnf("aggregator: drop %s/%d: %v", env.Network, env.Sequence, err)
		return
	}
	env.Event.Price = price

	if err := a.out.Publish(ctx, env); err != nil {
		obs.QueueDrops.WithLabelValues("aggregator").Inc()
		logs.Warnf("aggregator: forward %s/%d: %v", env.Network, env.Sequence, err)
		return
	}

	if a.st != nil {
		// Non-blocking: a full audit queue drops the record, never the
		// delivery.
		if err := a.audits.TryPublish(env); err != nil {
			obs.StoreWriteFailures.Inc()
		}
	}
}

func (a *Aggregator) saveAudit(env schema.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StoreTimeout)
	defer cancel()
	if err := a.st.SaveAuditEvent(ctx, env); err != nil {
		obs.StoreWriteFailures.Inc()
		logs.Warnf("aggregator: audit %s/%d: %v", env.Network, env.Sequence, err)
	}
}
