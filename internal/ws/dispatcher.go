package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/internal/ratelimit"
)

// MessageLimiter is the slice of the rate limiter the dispatcher consults
// per inbound frame.
type MessageLimiter interface {
	CheckMessageLimit(ctx context.Context, clientID, userID, ip string, class ratelimit.Class, isSystem bool) (bool, string, error)
	IncrementMessageCount(ctx context.Context, clientID, userID, ip string) error
}

// Dispatcher validates, classifies and routes inbound frames. Protocol
// faults produce error frames and keep the socket open; only the gateway and
// registry ever close connections.
type Dispatcher struct {
	reg              *Registry
	limiter          MessageLimiter
	engine           *StreamEngine
	metrics          *metrics.Metrics
	maxMessageLength int
	log              zerolog.Logger
}

func NewDispatcher(reg *Registry, limiter MessageLimiter, engine *StreamEngine, m *metrics.Metrics, maxMessageLength int, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		reg:              reg,
		limiter:          limiter,
		engine:           engine,
		metrics:          m,
		maxMessageLength: maxMessageLength,
		log:              log.With().Str("component", "dispatcher").Logger(),
	}
}

// HandleInbound processes one raw frame from a connection's receive loop.
// Frames are handled strictly in receive order per connection.
func (d *Dispatcher) HandleInbound(ctx context.Context, c *Conn, raw []byte) {
	d.metrics.MessagesReceived.Inc()
	c.touch()

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		d.metrics.ErrorsTotal.WithLabelValues("invalid_json").Inc()
		d.reg.SendMessage(c.id, ErrorFrame("Invalid JSON", "validation"))
		return
	}
	if f.Type == "" {
		d.metrics.ErrorsTotal.WithLabelValues("missing_type").Inc()
		d.reg.SendMessage(c.id, ErrorFrame("Invalid message format: missing type", "validation"))
		return
	}

	if s := c.State(); s != StateConnected && s != StateStreaming {
		d.reg.SendMessage(c.id, ErrorFrame("connection not ready", "validation"))
		return
	}

	// ping/pong keep the heartbeat alive and system frames are privileged;
	// none of the three are counted against the message budget.
	exempt := f.Type == TypeSystem || f.Type == TypePing || f.Type == TypePong

	class := ratelimit.ClassAuthenticated
	if c.userID == "" {
		class = ratelimit.ClassAnonymous
	}

	allow, reason, err := d.limiter.CheckMessageLimit(ctx, c.id, c.userID, c.ip, class, exempt)
	if err != nil {
		d.metrics.ErrorsTotal.WithLabelValues("store").Inc()
		d.reg.SendMessage(c.id, ErrorFrame("store unavailable", "store"))
		return
	}
	if !allow {
		d.metrics.RateLimitViolations.Inc()
		d.metrics.BackoffActivations.Inc()
		d.reg.SendMessage(c.id, ErrorFrame(reason, "rate_limit"))
		return
	}

	if !exempt {
		if err := d.limiter.IncrementMessageCount(ctx, c.id, c.userID, c.ip); err != nil {
			d.log.Warn().Err(err).Str("client_id", c.id).Msg("message count increment failed")
		}
	}

	switch f.Type {
	case TypePing:
		d.reg.SendMessage(c.id, PongFrame())

	case TypePong:
		c.notePong()

	case TypeChat, TypeChatMessage:
		d.handleChat(c, f)

	case TypeTyping:
		d.handleTyping(c, f)

	case TypeSystem:
		d.handleSystem(c, f)

	case TypeStreamStart:
		d.engine.Start(c, f)

	case TypeStream:
		d.engine.Relay(c, f)

	case TypeStreamEnd:
		d.engine.Stop(c)

	default:
		d.metrics.ErrorsTotal.WithLabelValues("unknown_type").Inc()
		d.reg.SendMessage(c.id, ErrorFrame(fmt.Sprintf("Unknown message type: %s", f.Type), "validation"))
	}
}

// handleChat echoes the message to the sender and broadcasts it to everyone
// else, stamped with the resolved identity. The type is re-emitted exactly
// as received ("chat" and "chat_message" are synonyms).
func (d *Dispatcher) handleChat(c *Conn, f Frame) {
	content, _ := f.ContentString()
	if len(content) == 0 {
		d.reg.SendMessage(c.id, ErrorFrame("Invalid message format: missing or empty content", "validation"))
		return
	}
	if len(content) > d.maxMessageLength {
		d.metrics.ErrorsTotal.WithLabelValues("message_too_large").Inc()
		d.reg.SendMessage(c.id, ErrorFrame("message size exceeds limit", "validation"))
		return
	}

	out := NewFrame(f.Type)
	out.Content = content
	out.ClientID = c.id
	out.UserID = c.userID
	out.SenderID = c.userID
	out.Metadata = f.Metadata

	if !d.reg.SendMessage(c.id, out) {
		return
	}
	d.reg.Broadcast(out, c.id)
}

// handleTyping relays the typing indicator to the other connections.
func (d *Dispatcher) handleTyping(c *Conn, f Frame) {
	out := NewFrame(TypeTyping)
	out.Content = f.Content
	out.ClientID = c.id
	out.UserID = c.userID
	out.Metadata = f.Metadata
	d.reg.Broadcast(out, c.id)
}

// handleSystem acknowledges a system frame. System traffic bypasses rate
// limits; the acknowledgment mirrors the system_type back.
func (d *Dispatcher) handleSystem(c *Conn, f Frame) {
	ack := NewFrame(TypeSystem)
	ack.Content = "acknowledged"
	if f.Metadata != nil {
		if st, ok := f.Metadata["system_type"]; ok {
			ack.Metadata = map[string]any{"system_type": st}
		}
	}
	d.reg.SendMessage(c.id, ack)
}
