// Package dispatcher is the fan-out engine: a single serialized loop
// owning the session registry, the subscription index, and the credit
// ledgers. Every mutation and every publish flows through its command
// queue, so no fine-grained locking is needed.
package dispatcher

import (
	"context"
	"time"

	"dexrelay/internal/auth"
	"dexrelay/internal/obs"
	"dexrelay/internal/schema"
	"dexrelay/pkg/exception"

	"github.com/yanun0323/logs"
)

// CloseReasonCredits marks a forced closure after budget exhaustion.
const CloseReasonCredits = "credit-exhausted"

// Outbound is the dispatcher's handle to one session. Deliver must not
// block: a full mailbox returns false and the event is dropped for that
// session only.
type Outbound interface {
	ID() string
	Deliver(env schema.Envelope) bool
	ForceClose(reason string)
}

// Stats summarizes a session's delivery activity at removal.
type Stats struct {
	CreditsUsed     int64
	EventsDelivered uint64
	EventsDropped   uint64
}

type sessionEntry struct {
	out     Outbound
	info    auth.ClientInfo
	credits creditLedger
	filters map[schema.Filter]struct{}

	delivered uint64
	dropped   uint64
	closing   bool
}

type command func()

// Dispatcher owns who-gets-what. Construct with New, drive with Run.
type Dispatcher struct {
	registry *schema.Registry

	cmds    chan command
	stopped chan struct{}

	// Loop-private state below; only the Run goroutine touches it.
	sessions map[string]*sessionEntry
	index    *subIndex
}

// New builds a dispatcher validating subscriptions against registry.
func New(registry *schema.Registry, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Dispatcher{
		registry: registry,
		cmds:     make(chan command, queueSize),
		stopped:  make(chan struct{}),
		sessions: make(map[string]*sessionEntry),
		index:    newSubIndex(),
	}
}

// Run executes commands until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stopped)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-d.cmds:
			cmd()
		}
	}
}

// do runs fn inside the loop and waits for it.
func (d *Dispatcher) do(fn command) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case <-d.stopped:
		return exception.ErrDispatcherDown
	case d.cmds <- wrapped:
	}
	select {
	case <-d.stopped:
		return exception.ErrDispatcherDown
	case <-done:
		return nil
	}
}

// RegisterSession adds a session with no subscriptions.
func (d *Dispatcher) RegisterSession(out Outbound, info auth.ClientInfo) error {
	var err error
	doErr := d.do(func() {
		id := out.ID()
		if _, ok := d.sessions[id]; ok {
			err = exception.ErrSessionClosed
			return
		}
		d.sessions[id] = &sessionEntry{
			out:     out,
			info:    info,
			credits: newCreditLedger(info.CreditLimit),
			filters: make(map[schema.Filter]struct{}),
		}
		obs.ActiveSessions.Inc()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Subscribe idempotently adds filter tuples for a session. An invalid
// tuple fails the whole request with no state change.
func (d *Dispatcher) Subscribe(sessionID string, filters []schema.Filter) error {
	var err error
	doErr := d.do(func() {
		entry, ok := d.sessions[sessionID]
		if !ok {
			err = exception.ErrUnknownSession
			return
		}
		for _, f := range filters {
			if !d.registry.HasNetwork(f.Network) {
				err = exception.ErrUnknownNetwork
				return
			}
			if f.Dex == schema.DexUnknown {
				err = exception.ErrUnknownDex
				return
			}
		}
		for _, f := range filters {
			if d.index.add(f, sessionID) {
				entry.filters[f] = struct{}{}
			}
		}
		obs.SubscriptionEntries.Set(float64(d.index.size()))
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Unsubscribe idempotently removes filter tuples. Tuples never held are
// ignored.
func (d *Dispatcher) Unsubscribe(sessionID string, filters []schema.Filter) error {
	var err error
	doErr := d.do(func() {
		entry, ok := d.sessions[sessionID]
		if !ok {
			err = exception.ErrUnknownSession
			return
		}
		for _, f := range filters {
			d.index.remove(f, sessionID)
			delete(entry.filters, f)
		}
		obs.SubscriptionEntries.Set(float64(d.index.size()))
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// RemoveSession drops the session from every index entry and from the
// registry, returning its delivery stats. Publishes serialized behind
// this call can no longer reach the session.
func (d *Dispatcher) RemoveSession(sessionID string) (Stats, bool) {
	var stats Stats
	var found bool
	_ = d.do(func() {
		entry, ok := d.sessions[sessionID]
		if !ok {
			return
		}
		found = true
		d.index.removeSession(sessionID, entry.filters)
		delete(d.sessions, sessionID)
		stats = Stats{
			CreditsUsed:     entry.credits.used(),
			EventsDelivered: entry.delivered,
			EventsDropped:   entry.dropped,
		}
		obs.ActiveSessions.Dec()
		obs.SubscriptionEntries.Set(float64(d.index.size()))
	})
	return stats, found
}

// Publish fans one enriched envelope out to every matching session.
// Slow consumers lose the event; they never block the others.
func (d *Dispatcher) Publish(env schema.Envelope) {
	_ = d.do(func() {
		ids := d.index.match(env.Network, env.Event.Dex, env.Event.Kind)
		for _, id := range ids {
			entry, ok := d.sessions[id]
			if !ok || entry.closing {
				continue
			}
			if entry.credits.drained() {
				continue
			}
			if !entry.out.Deliver(env) {
				entry.dropped++
				obs.FanoutDropped.Inc()
				continue
			}
			entry.delivered++
			obs.FanoutDelivered.Inc()
			if entry.credits.consume() {
				entry.closing = true
				logs.Infof("dispatcher: session %s exhausted credits, closing", id)
				entry.out.ForceClose(CloseReasonCredits)
			}
		}
	})
}

// SessionCount reports registered sessions; used by health reporting.
func (d *Dispatcher) SessionCount() int {
	n := 0
	_ = d.do(func() { n = len(d.sessions) })
	return n
}

// WaitStopped blocks until the loop exits or the timeout passes.
func (d *Dispatcher) WaitStopped(timeout time.Duration) bool {
	select {
	case <-d.stopped:
		return true
	case <-time.After(timeout):
		return false
	}
}
