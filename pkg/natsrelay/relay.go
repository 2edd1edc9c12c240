// Package natsrelay fans broadcast frames out to sibling gateway replicas
// over NATS, so a message accepted on one replica reaches clients connected
// to every other one. The key-value store carries the counters; this relay
// carries the frames.
package natsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chatrelay/internal/config"
	"chatrelay/internal/ws"
)

// envelope wraps a frame with its origin replica so a replica can ignore its
// own publications.
type envelope struct {
	Replica string   `json:"replica"`
	Frame   ws.Frame `json:"frame"`
}

// conn is the slice of *nats.Conn the relay uses; tests substitute a fake.
type conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// Relay publishes local broadcasts and re-broadcasts sibling traffic into
// the local registry. Inbound consumption is rate limited so a misbehaving
// sibling cannot saturate local socket writes.
type Relay struct {
	conn      conn
	subject   string
	replicaID string
	limiter   *rate.Limiter
	log       zerolog.Logger
}

// Connect dials NATS and returns a wired relay.
func Connect(cfg config.NATSConfig, log zerolog.Logger) (*Relay, error) {
	logger := log.With().Str("component", "natsrelay").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWaitSec) * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}

	return newRelay(nc, cfg, logger), nil
}

func newRelay(nc conn, cfg config.NATSConfig, log zerolog.Logger) *Relay {
	return &Relay{
		conn:      nc,
		subject:   cfg.Subject,
		replicaID: uuid.NewString(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RelayMaxPerSec), cfg.RelayBurst),
		log:       log,
	}
}

// ReplicaID identifies this gateway instance in relay envelopes.
func (r *Relay) ReplicaID() string { return r.replicaID }

// Publish sends a locally originated broadcast frame to the other replicas.
// Implements ws.Fanout.
func (r *Relay) Publish(f ws.Frame) error {
	data, err := json.Marshal(envelope{Replica: r.replicaID, Frame: f})
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	return r.conn.Publish(r.subject, data)
}

// Start subscribes to the relay subject and re-broadcasts sibling frames
// through the registry. Frames published by this replica are dropped.
func (r *Relay) Start(ctx context.Context, registry *ws.Registry) error {
	_, err := r.conn.Subscribe(r.subject, func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			r.log.Warn().Err(err).Msg("malformed relay envelope")
			return
		}
		if env.Replica == r.replicaID {
			return
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		registry.BroadcastLocal(env.Frame)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	r.log.Info().Str("subject", r.subject).Str("replica", r.replicaID).Msg("relay started")
	return nil
}

// Close drains the connection.
func (r *Relay) Close() error {
	return r.conn.Drain()
}
