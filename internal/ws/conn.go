package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection lifecycle state machine. CONNECTING is initial,
// DISCONNECTED terminal.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateStreaming
	StateReconnecting
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateStreaming:
		return "STREAMING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Conn is one live WebSocket connection with its metadata. The receive loop
// owns it; heartbeat and stream tasks it spawned may write through it. State
// transitions triggered from outside go through the registry.
type Conn struct {
	id     string
	userID string
	ip     string

	mu            sync.Mutex // guards sock, state, lastSeen, lastMessageID
	sock          *websocket.Conn
	state         State
	connectedAt   time.Time
	lastSeen      time.Time
	lastMessageID string

	writeMu   sync.Mutex // serializes frame writes to the socket
	writeWait time.Duration

	// ctx covers the heartbeat and any stream task; cancel is the first
	// step of every teardown path.
	ctx    context.Context
	cancel context.CancelFunc

	// pongCh carries app-level pong arrivals to the heartbeat loop.
	pongCh chan struct{}

	// stream single-flight state, owned by the stream engine.
	streamMu     sync.Mutex
	streamCancel context.CancelFunc

	// cleanup runs the counter release exactly once across every
	// disconnect path.
	cleanup sync.Once
}

func newConn(clientID, userID, ip string, sock *websocket.Conn, writeWait time.Duration) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	return &Conn{
		id:          clientID,
		userID:      userID,
		ip:          ip,
		sock:        sock,
		state:       StateConnecting,
		connectedAt: now,
		lastSeen:    now,
		writeWait:   writeWait,
		ctx:         ctx,
		cancel:      cancel,
		pongCh:      make(chan struct{}, 1),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }
func (c *Conn) IP() string     { return c.ip }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// compareAndSetState transitions from want to next; reports whether it did.
func (c *Conn) compareAndSetState(want, next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != want {
		return false
	}
	c.state = next
	return true
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Conn) LastMessageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessageID
}

// writeFrame serializes and writes one frame. Writes from the receive loop,
// heartbeat and stream engine interleave here; the lock guarantees no
// partial frames.
func (c *Conn) writeFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()

	sock.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	if f.MessageID != "" && isHistoryType(f.Type) {
		c.mu.Lock()
		c.lastMessageID = f.MessageID
		c.mu.Unlock()
	}
	return nil
}

// writeClose sends a close control frame. Best effort.
func (c *Conn) writeClose(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	sock.SetWriteDeadline(time.Now().Add(c.writeWait))
	_ = sock.WriteMessage(websocket.CloseMessage, msg)
}

// notePong signals the heartbeat loop without blocking.
func (c *Conn) notePong() {
	c.touch()
	select {
	case c.pongCh <- struct{}{}:
	default:
	}
}

// Metadata is the status-endpoint view of a connection.
type Metadata struct {
	ClientID      string `json:"client_id"`
	UserID        string `json:"user_id"`
	IPAddress     string `json:"ip_address"`
	State         string `json:"state"`
	ConnectedAt   string `json:"connected_at"`
	LastSeen      string `json:"last_seen"`
	LastMessageID string `json:"last_message_id,omitempty"`
}

func (c *Conn) metadata() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Metadata{
		ClientID:      c.id,
		UserID:        c.userID,
		IPAddress:     c.ip,
		State:         c.state.String(),
		ConnectedAt:   c.connectedAt.Format(time.RFC3339Nano),
		LastSeen:      c.lastSeen.Format(time.RFC3339Nano),
		LastMessageID: c.lastMessageID,
	}
}
