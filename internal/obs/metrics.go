// Package obs exposes the relay's Prometheus metrics.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsIngested counts normalized events per network and kind.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dexrelay",
		Name:      "events_ingested_total",
		Help:      "Normalized events produced by collectors.",
	}, []string{"network", "kind"})

	// ParseSkips counts malformed notifications dropped at the collector.
	ParseSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dexrelay",
		Name:      "collector_parse_skips_total",
		Help:      "Feed notifications skipped because they failed to parse.",
	}, []string{"network"})

	// CollectorReconnects counts reconnect attempts per network.
	CollectorReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dexrelay",
		Name:      "collector_reconnects_total",
		Help:      "Collector websocket reconnect attempts.",
	}, []string{"network"})

	// CollectorRestarts counts forced collector restarts by the manager.
	CollectorRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dexrelay",
		Name:      "collector_restarts_total",
		Help:      "Collector restarts forced by the liveness sweep.",
	}, []string{"network"})

	// BusAppends counts envelopes written to the event bus.
	BusAppends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dexrelay",
		Name:      "bus_appends_total",
		Help:      "Envelopes appended to the event bus.",
	})

	// BusAppendFailures counts failed bus writes.
	BusAppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dexrelay",
		Name:      "bus_append_failures_total",
		Help:      "Envelope appends rejected by the event bus.",
	})

	// BusConsumed counts envelopes read from the bus by the gateway.
	BusConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dexrelay",
		Name:      "bus_consumed_total",
		Help:      "Envelopes consumed from the event bus.",
	})

	// QueueDrops counts envelopes dropped by full internal queues.
	QueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dexrelay",
		Name:      "queue_drops_total",
		Help:      "Envelopes dropped by bounded-queue overflow policy.",
	}, []string{"stage"})

	// FanoutDelivered counts events delivered to client sessions.
	FanoutDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dexrelay",
		Name:      "fanout_delivered_total",
		Help:      "Events delivered to session mailboxes.",
	})

	// FanoutDropped counts events dropped at slow session mailboxes.
	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dexrelay",
		Name:      "fanout_dropped_total",
		Help:      "Events dropped because a session mailbox was full.",
	})

	// SessionsOpened counts accepted client sessions.
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dexrelay",
		Name:      "sessions_opened_total",
		Help:      "Client sessions that completed the handshake.",
	})

	// SessionsClosed counts closed client sessions by reason.
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dexrelay",
		Name:      "sessions_closed_total",
		Help:      "Client sessions closed, labeled by close reason.",
	}, []string{"reason"})

	// ActiveSessions tracks currently registered sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dexrelay",
		Name:      "active_sessions",
		Help:      "Sessions currently registered with the dispatcher.",
	})

	// SubscriptionEntries tracks rows in the dispatcher subscription index.
	SubscriptionEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dexrelay",
		Name:      "subscription_entries",
		Help:      "Active subscription index entries.",
	})

	// SynthFailures counts aggregator price synthesis failures.
	SynthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dexrelay",
		Name:      "synth_failures_total",
		Help:      "Events whose price synthesis failed.",
	})

	// StoreWriteFailures counts failed persistence writes.
	StoreWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dexrelay",
		Name:      "store_write_failures_total",
		Help:      "Audit or session-summary writes that failed.",
	})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
