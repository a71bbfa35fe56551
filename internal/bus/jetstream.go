package bus

import (
	"context"
	"encoding/json"
	"time"

	"dexrelay/internal/schema"
	"dexrelay/pkg/exception"

	"github.com/nats-io/nats.go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	streamName    = "DEX_EVENTS"
	subjectPrefix = "dex.events."
	subjectAll    = subjectPrefix + ">"
)

// JetStreamConfig tunes the NATS-backed bus.
type JetStreamConfig struct {
	URL     string        `json:"url"`
	MaxAge  time.Duration `json:"maxAge"`
	MaxMsgs int64         `json:"maxMsgs"`
	AckWait time.Duration `json:"ackWait"`
}

// JetStream is the NATS JetStream Bus implementation. One stream holds
// all partitions as subjects dex.events.<network>; retention is bounded
// by MaxAge/MaxMsgs and is a catch-up window, not an archive.
type JetStream struct {
	nc *nats.Conn
	js nats.JetStreamContext

	ackWait time.Duration
}

// NewJetStream connects and ensures the stream exists.
func NewJetStream(cfg JetStreamConfig) (*JetStream, error) {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if cfg.MaxMsgs <= 0 {
		cfg.MaxMsgs = 100_000
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}

	nc, err := nats.Connect(cfg.URL, nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "jetstream context")
	}

	if _, err := js.StreamInfo(streamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  []string{subjectAll},
			Retention: nats.LimitsPolicy,
			MaxAge:    cfg.MaxAge,
			MaxMsgs:   cfg.MaxMsgs,
			Discard:   nats.DiscardOld,
			Storage:   nats.FileStorage,
			Replicas:  1,
		})
		if err != nil {
			nc.Close()
			return nil, errors.Wrap(err, "add stream")
		}
		logs.Infof("bus: created jetstream stream %s", streamName)
	}

	return &JetStream{nc: nc, js: js, ackWait: cfg.AckWait}, nil
}

// Append publishes one envelope to its partition subject.
func (b *JetStream) Append(ctx context.Context, env schema.Envelope) error {
	if b == nil || b.js == nil {
		return exception.ErrBusUnavailable
	}
	if env.Network == "" {
		return exception.ErrUnknownPartition
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	if _, err := b.js.Publish(subjectPrefix+env.Network, data, nats.Context(ctx)); err != nil {
		return errors.Wrap(exception.ErrBusUnavailable, err.Error())
	}
	return nil
}

// Consume reads envelopes through a durable consumer named after the
// group. MaxAckPending(1) keeps delivery in subject order; a handler
// failure naks the message for redelivery and stops the consumer.
func (b *JetStream) Consume(ctx context.Context, group string, fn Handler) error {
	if b == nil || b.js == nil {
		return exception.ErrBusUnavailable
	}

	errCh := make(chan error, 1)
	sub, err := b.js.Subscribe(subjectAll, func(msg *nats.Msg) {
		var env schema.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			logs.Errorf("bus: drop undecodable envelope on %s: %v", msg.Subject, err)
			_ = msg.Ack()
			return
		}
		env.Event.Restore()
		if err := fn(env); err != nil {
			_ = msg.Nak()
			select {
			case errCh <- err:
			default:
			}
			return
		}
		if err := msg.Ack(); err != nil {
			logs.Warnf("bus: ack failed on %s: %v", msg.Subject, err)
		}
	}, nats.Durable(group), nats.ManualAck(), nats.AckWait(b.ackWait), nats.MaxAckPending(1))
	if err != nil {
		return errors.Wrap(exception.ErrBusUnavailable, err.Error())
	}
	defer func() { _ = sub.Unsubscribe() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close drains the connection.
func (b *JetStream) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	b.nc.Close()
	return nil
}
