// Package manager supervises one collector per configured network,
// assigns partition sequence numbers, and writes envelopes to the event
// bus. A failing collector is isolated: its restarts never touch the
// other networks.
package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"dexrelay/internal/bus"
	"dexrelay/internal/collector"
	"dexrelay/internal/obs"
	"dexrelay/internal/schema"
	"dexrelay/pkg/backoff"
	"dexrelay/pkg/exception"

	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

// Config tunes supervision and the collector-to-bus queue.
type Config struct {
	QueueCapacity int           `json:"queueCapacity"`
	QueueWait     time.Duration `json:"queueWait"`
	SweepInterval time.Duration `json:"sweepInterval"`
	// StallMultiple times a network's expected cadence is the silence
	// threshold before a streaming collector is force-restarted.
	StallMultiple int `json:"stallMultiple"`
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.QueueWait <= 0 {
		c.QueueWait = 200 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.StallMultiple <= 0 {
		c.StallMultiple = 5
	}
	return c
}

type managed struct {
	network schema.Network
	seq     *bus.Sequencer
	col     *collector.Collector
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager owns the ingestion side of the relay.
type Manager struct {
	cfg Config
	log bus.Bus

	queue *bus.Queue

	mu         sync.Mutex
	collectors map[string]*managed
	runCtx     context.Context
}

// New builds a manager over the configured networks.
func New(cfg Config, log bus.Bus) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		log:        log,
		queue:      bus.NewQueue(cfg.QueueCapacity, cfg.QueueWait),
		collectors: make(map[string]*managed),
	}
}

// Run starts one collector per registry network plus the bus writer and
// the liveness sweep, then blocks until ctx is done. Shutdown is
// graceful: collectors stop first, then the queue drains into the bus.
func (m *Manager) Run(ctx context.Context, registry *schema.Registry) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			cancel()
		case <-ctx.Done():
		}
	}()

	m.mu.Lock()
	m.runCtx = ctx
	for i := 0; i < registry.NetworkCount(); i++ {
		network, _ := registry.NetworkAt(i)
		m.startLocked(network)
	}
	m.mu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Runs past ctx cancellation so queued envelopes still reach
		// the bus; queue close ends it.
		m.queue.Run(context.Background(), m.appendWithRetry)
	}()

	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			m.queue.Close()
			<-writerDone
			return nil
		case <-sweep.C:
			m.sweepStalled()
		}
	}
}

// Restart force-restarts a network's collector. No-op for unknown names.
func (m *Manager) Restart(network string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.collectors[network]
	if !ok {
		return
	}
	logs.Warnf("manager: restarting collector %s", network)
	obs.CollectorRestarts.WithLabelValues(network).Inc()
	mg.cancel()
	<-mg.done
	m.startLocked(mg.network)
}

// Health reports every collector's status, sorted by network name.
func (m *Manager) Health() []collector.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]collector.Status, 0, len(m.collectors))
	for _, mg := range m.collectors {
		out = append(out, mg.col.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Network < out[j].Network })
	return out
}

// QueueDrops reports envelopes lost to the bounded collector queue.
func (m *Manager) QueueDrops() uint64 {
	return m.queue.Dropped()
}

// startLocked creates and launches a collector for one network. The
// sequencer survives restarts so partition sequences stay monotonic.
func (m *Manager) startLocked(network schema.Network) {
	seq := &bus.Sequencer{}
	if prev, ok := m.collectors[network.Name]; ok {
		seq = prev.seq
	}

	forward := func(ctx context.Context, ev schema.NormalizedEvent) error {
		env := schema.NewEnvelope(seq.Next(), time.Now().UTC().UnixNano(), ev)
		if err := m.queue.Publish(ctx, env); err != nil {
			obs.QueueDrops.WithLabelValues("ingest").Inc()
			return err
		}
		return nil
	}

	colCtx, cancel := context.WithCancel(m.runCtx)
	mg := &managed{
		network: network,
		seq:     seq,
		col:     collector.New(network, nil, forward),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.collectors[network.Name] = mg

	go func() {
		defer close(mg.done)
		if err := mg.col.Run(colCtx); err != nil {
			logs.Errorf("manager: collector %s exited: %v", network.Name, err)
		}
	}()
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	stopped := make([]*managed, 0, len(m.collectors))
	for _, mg := range m.collectors {
		mg.cancel()
		stopped = append(stopped, mg)
	}
	m.mu.Unlock()
	for _, mg := range stopped {
		<-mg.done
	}
}

// sweepStalled restarts collectors that claim to be streaming but have
// been silent past the network's stall threshold.
func (m *Manager) sweepStalled() {
	m.mu.Lock()
	var stalled []string
	now := time.Now()
	for name, mg := range m.collectors {
		if mg.col.CurrentState() != collector.StateStreaming {
			continue
		}
		threshold := time.Duration(m.cfg.StallMultiple*mg.network.ExpectedCadenceSeconds) * time.Second
		if now.Sub(mg.col.LastHeartbeat()) > threshold {
			stalled = append(stalled, name)
		}
	}
	m.mu.Unlock()

	for _, name := range stalled {
		logs.Warnf("manager: collector %s stalled, forcing restart", name)
		m.Restart(name)
	}
}

// appendWithRetry writes one envelope to the bus, retrying transient
// unavailability. A permanently failed append is dropped with a log so
// the partition keeps flowing.
func (m *Manager) appendWithRetry(env schema.Envelope) {
	const maxAttempts = 5
	bo := backoff.Default()
	for attempt := 1; ; attempt++ {
		err := m.log.Append(context.Background(), env)
		if err == nil {
			obs.BusAppends.Inc()
			return
		}
		if errors.Is(err, exception.ErrBusClosed) || attempt >= maxAttempts {
			obs.BusAppendFailures.Inc()
			logs.Errorf("manager: append %s/%d failed: %v", env.Network, env.Sequence, err)
			return
		}
		_ = bo.Sleep(context.Background(), attempt)
	}
}
