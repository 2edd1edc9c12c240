package ws

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/internal/model"
)

// StreamEngine turns model responses into the stream_start / stream /
// stream_end frame sequence. One stream per connection at a time; chunk
// emission is paced and cancels promptly when the connection leaves
// STREAMING.
type StreamEngine struct {
	reg        *Registry
	client     model.ModelClient
	metrics    *metrics.Metrics
	chunkDelay time.Duration
	log        zerolog.Logger
}

func NewStreamEngine(reg *Registry, client model.ModelClient, m *metrics.Metrics, chunkDelay time.Duration, log zerolog.Logger) *StreamEngine {
	return &StreamEngine{
		reg:        reg,
		client:     client,
		metrics:    m,
		chunkDelay: chunkDelay,
		log:        log.With().Str("component", "stream").Logger(),
	}
}

// Start begins a stream for a valid stream_start frame. A second start while
// one is active yields an error frame without closing; the same goes for an
// empty prompt.
func (e *StreamEngine) Start(c *Conn, f Frame) {
	prompt, _ := f.ContentString()
	if prompt == "" {
		e.reg.SendMessage(c.id, ErrorFrame("stream_start requires non-empty content", "stream"))
		return
	}

	c.streamMu.Lock()
	if c.streamCancel != nil {
		c.streamMu.Unlock()
		e.reg.SendMessage(c.id, ErrorFrame("active stream already in progress", "stream"))
		return
	}
	if !c.compareAndSetState(StateConnected, StateStreaming) {
		c.streamMu.Unlock()
		e.reg.SendMessage(c.id, ErrorFrame("connection not ready for streaming", "stream"))
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.streamCancel = cancel
	c.streamMu.Unlock()

	ack := NewFrame(TypeStreamStart)
	ack.Content = ""
	ack.Metadata = f.Metadata
	if !e.reg.SendMessage(c.id, ack) {
		e.finish(c, cancel)
		return
	}

	e.metrics.StreamsTotal.Inc()
	go e.run(ctx, c, prompt, f.Metadata, cancel)
}

// Relay forwards a client-pushed content-block delta to the other
// connections. Valid only while the sender is STREAMING.
func (e *StreamEngine) Relay(c *Conn, f Frame) {
	if c.State() != StateStreaming {
		e.reg.SendMessage(c.id, ErrorFrame("no active stream", "stream"))
		return
	}
	out := NewFrame(TypeStream)
	out.Content = f.Content
	out.Metadata = f.Metadata
	out.ClientID = c.id
	out.UserID = c.userID
	e.reg.Broadcast(out, c.id)
}

// Stop cancels the active stream. The stream task terminates without
// emitting stream_end; the client asked for the cut, it does not need one.
func (e *StreamEngine) Stop(c *Conn) {
	c.streamMu.Lock()
	cancel := c.streamCancel
	c.streamMu.Unlock()

	if cancel == nil {
		e.reg.SendMessage(c.id, ErrorFrame("no active stream", "stream"))
		return
	}
	cancel()
}

func (e *StreamEngine) run(ctx context.Context, c *Conn, prompt string, meta map[string]any, cancel context.CancelFunc) {
	started := time.Now()
	defer func() {
		e.finish(c, cancel)
		e.metrics.StreamDuration.Observe(time.Since(started).Seconds())
	}()

	stream, err := e.client.Stream(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.log.Warn().Err(err).Str("client_id", c.id).Msg("model stream failed to start")
		e.reg.SendMessage(c.id, ErrorFrame("model stream failed", "stream"))
		return
	}

	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			end := NewFrame(TypeStreamEnd)
			end.Content = ""
			end.Metadata = meta
			e.reg.SendMessage(c.id, end)
			return
		}
		if err != nil {
			// Cancellation terminates silently; a model failure gets an
			// error frame. Neither emits stream_end.
			if ctx.Err() != nil {
				return
			}
			e.log.Warn().Err(err).Str("client_id", c.id).Msg("model stream failed")
			e.reg.SendMessage(c.id, ErrorFrame("model stream failed", "stream"))
			return
		}

		if !e.reg.SendMessage(c.id, StreamChunkFrame(chunk, meta)) {
			return
		}

		// Pace chunks so pongs and cancellation interleave naturally.
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.chunkDelay):
		}
	}
}

// finish clears the single-flight slot and returns the connection to
// CONNECTED unless a disconnect already moved it past STREAMING.
func (e *StreamEngine) finish(c *Conn, cancel context.CancelFunc) {
	cancel()
	c.streamMu.Lock()
	c.streamCancel = nil
	c.streamMu.Unlock()
	c.compareAndSetState(StateStreaming, StateConnected)
}
