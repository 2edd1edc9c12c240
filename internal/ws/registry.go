package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/internal/config"
	"chatrelay/internal/metrics"
)

var (
	ErrEmptyClientID = errors.New("ws: empty client id")
	ErrClientExists  = errors.New("ws: client id already in use")
	ErrUserMismatch  = errors.New("ws: reconnect user mismatch")
	ErrUnknownClient = errors.New("ws: unknown client")
)

// ConnectionLimiter is the slice of the rate limiter the registry needs:
// counter accounting for admitted connections. Checking happens in the
// gateway before the registry is involved.
type ConnectionLimiter interface {
	IncrementConnectionCount(ctx context.Context, clientID, userID, ip string) error
	ReleaseConnection(ctx context.Context, clientID, userID, ip string) error
}

// Fanout publishes broadcast frames to sibling replicas. Optional.
type Fanout interface {
	Publish(f Frame) error
}

// how long a disconnected client's metadata is kept for reconnect replay
const retainWindow = 10 * time.Minute

type retainedMeta struct {
	userID        string
	lastMessageID string
	retainedAt    time.Time
}

// Registry is the in-process map of live connections with per-user and
// per-ip indices, the message history ring, and the single disconnect path
// that releases counters exactly once.
type Registry struct {
	cfg     config.WebSocketConfig
	limiter ConnectionLimiter
	metrics *metrics.Metrics
	log     zerolog.Logger
	fanout  Fanout

	mu         sync.Mutex
	byClientID map[string]*Conn
	byUserID   map[string]map[string]struct{}
	byIP       map[string]map[string]struct{}
	retained   map[string]retainedMeta

	history *History
}

func NewRegistry(cfg config.WebSocketConfig, limiter ConnectionLimiter, m *metrics.Metrics, log zerolog.Logger) *Registry {
	return &Registry{
		cfg:        cfg,
		limiter:    limiter,
		metrics:    m,
		log:        log.With().Str("component", "registry").Logger(),
		byClientID: make(map[string]*Conn),
		byUserID:   make(map[string]map[string]struct{}),
		byIP:       make(map[string]map[string]struct{}),
		retained:   make(map[string]retainedMeta),
		history:    NewHistory(cfg.MaxHistorySize),
	}
}

// SetFanout wires the cross-replica broadcast relay. Must be called before
// the first connection is accepted.
func (r *Registry) SetFanout(f Fanout) { r.fanout = f }

// History exposes the message ring (status endpoint, tests).
func (r *Registry) History() *History { return r.history }

// HasLive reports whether a client id maps to a live connection.
func (r *Registry) HasLive(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byClientID[clientID]
	return ok
}

// HasRetained reports whether a disconnected client's metadata is still
// within the reconnect window.
func (r *Registry) HasRetained(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, ok := r.retained[clientID]
	return ok && time.Since(meta.retainedAt) < retainWindow
}

// Connect admits a fresh connection: inserts it into the indices, charges
// the connection counters, sends the welcome (and history) frames, starts
// the heartbeat and announces presence.
func (r *Registry) Connect(ctx context.Context, clientID string, sock *websocket.Conn, userID, ip string) (*Conn, error) {
	if clientID == "" {
		return nil, ErrEmptyClientID
	}

	conn := newConn(clientID, userID, ip, sock, r.cfg.WriteWait)

	r.mu.Lock()
	if _, exists := r.byClientID[clientID]; exists {
		r.mu.Unlock()
		return nil, ErrClientExists
	}
	r.insertLocked(conn)
	delete(r.retained, clientID)
	r.mu.Unlock()

	if err := r.limiter.IncrementConnectionCount(ctx, clientID, userID, ip); err != nil {
		r.removeIndices(conn)
		return nil, err
	}

	if err := r.finishAdmission(conn, nil); err != nil {
		return nil, err
	}
	return conn, nil
}

// Reconnect reattaches a client whose previous connection went away. The
// prior metadata must still be retained and belong to the same user. After
// the welcome sequence, frames strictly newer than the client's last
// delivered message id are replayed; if that id already left the retained
// window, nothing is replayed.
func (r *Registry) Reconnect(ctx context.Context, clientID string, sock *websocket.Conn, userID, ip string) (*Conn, error) {
	if clientID == "" {
		return nil, ErrEmptyClientID
	}

	r.mu.Lock()
	if _, exists := r.byClientID[clientID]; exists {
		// A live entry still owns this id; duplicate rejection wins over
		// socket takeover.
		r.mu.Unlock()
		return nil, ErrClientExists
	}
	meta, ok := r.retained[clientID]
	if !ok || time.Since(meta.retainedAt) >= retainWindow {
		r.mu.Unlock()
		return nil, ErrUnknownClient
	}
	if meta.userID != userID {
		r.mu.Unlock()
		return nil, ErrUserMismatch
	}

	conn := newConn(clientID, userID, ip, sock, r.cfg.WriteWait)
	conn.state = StateReconnecting
	conn.lastMessageID = meta.lastMessageID
	r.insertLocked(conn)
	delete(r.retained, clientID)
	r.mu.Unlock()

	if err := r.limiter.IncrementConnectionCount(ctx, clientID, userID, ip); err != nil {
		r.removeIndices(conn)
		return nil, err
	}

	replay := r.history.SinceID(meta.lastMessageID)
	if err := r.finishAdmission(conn, replay); err != nil {
		return nil, err
	}
	return conn, nil
}

// finishAdmission runs the welcome sequence shared by Connect and Reconnect.
// Failure at any step unwinds through Disconnect, which releases the
// counters charged at admission.
func (r *Registry) finishAdmission(conn *Conn, replay []Frame) error {
	if err := conn.writeFrame(WelcomeFrame(conn.id, conn.userID)); err != nil {
		r.Disconnect(conn.id, 0, "")
		return err
	}

	if snapshot := r.history.Snapshot(); len(snapshot) > 0 {
		hist := NewFrame(TypeHistory)
		hist.Content = ""
		hist.Metadata = map[string]any{"messages": snapshot}
		if err := conn.writeFrame(hist); err != nil {
			r.Disconnect(conn.id, 0, "")
			return err
		}
	}

	for _, f := range replay {
		if err := conn.writeFrame(f); err != nil {
			r.Disconnect(conn.id, 0, "")
			return err
		}
	}

	conn.setState(StateConnected)
	r.metrics.ActiveConnections.Inc()
	r.metrics.ConnectionsTotal.Inc()
	r.log.Info().
		Str("client_id", conn.id).
		Str("user_id", conn.userID).
		Str("ip", conn.ip).
		Msg("client connected")

	go r.runHeartbeat(conn)
	go r.Broadcast(PresenceFrame(conn.id, conn.userID, "connected"), conn.id)
	return nil
}

// Disconnect tears a connection down: cancels its heartbeat and stream,
// removes it from the indices, releases the connection counters exactly
// once, and closes the socket. Idempotent; every failure path funnels here.
// code 0 means close without a close frame.
func (r *Registry) Disconnect(clientID string, code int, reason string) {
	r.mu.Lock()
	conn, ok := r.byClientID[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byClientID, clientID)
	r.removeIndexLocked(r.byUserID, conn.userID, clientID)
	r.removeIndexLocked(r.byIP, conn.ip, clientID)
	lastOfUser := len(r.byUserID[conn.userID]) == 0
	r.retained[clientID] = retainedMeta{
		userID:        conn.userID,
		lastMessageID: conn.LastMessageID(),
		retainedAt:    time.Now(),
	}
	r.pruneRetainedLocked()
	r.mu.Unlock()

	conn.setState(StateDisconnecting)
	conn.cancel()

	conn.cleanup.Do(func() {
		ctx, cancelRelease := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelRelease()
		if err := r.limiter.ReleaseConnection(ctx, conn.id, conn.userID, conn.ip); err != nil {
			r.log.Error().Err(err).Str("client_id", conn.id).Msg("counter release failed")
		}
	})

	if code > 0 {
		conn.writeClose(code, reason)
	}
	conn.mu.Lock()
	sock := conn.sock
	conn.mu.Unlock()
	_ = sock.Close()
	conn.setState(StateDisconnected)

	r.metrics.ActiveConnections.Dec()
	r.log.Info().
		Str("client_id", clientID).
		Str("reason", reason).
		Msg("client disconnected")

	if lastOfUser && conn.userID != "" {
		r.Broadcast(PresenceFrame(clientID, conn.userID, "offline"), clientID)
	}
}

// SendMessage writes one frame to one client. A write error schedules the
// connection for disconnect and returns false. History-worthy frames enter
// the message ring before the write, so no client can ever observe a
// delivered chat frame that is absent from history.
func (r *Registry) SendMessage(clientID string, f Frame) bool {
	r.mu.Lock()
	conn, ok := r.byClientID[clientID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if isHistoryType(f.Type) {
		r.history.Append(f)
	}

	if err := conn.writeFrame(f); err != nil {
		r.log.Warn().Err(err).Str("client_id", clientID).Msg("write failed")
		go r.Disconnect(clientID, 0, "write failed")
		return false
	}
	r.metrics.MessagesSent.Inc()
	return true
}

// Broadcast delivers a frame to every live connection except the excluded
// ids, and publishes it to sibling replicas when a fanout is wired.
// Per-client failures do not abort the rest.
func (r *Registry) Broadcast(f Frame, exclude ...string) {
	if r.fanout != nil {
		if err := r.fanout.Publish(f); err != nil {
			r.log.Warn().Err(err).Msg("fanout publish failed")
		}
	}
	r.broadcastLocal(f, false, exclude...)
}

// BroadcastLocal delivers a frame from a sibling replica to local
// connections only. Chat frames enter the local history so reconnect replay
// covers cross-replica traffic.
func (r *Registry) BroadcastLocal(f Frame, exclude ...string) {
	r.broadcastLocal(f, true, exclude...)
}

func (r *Registry) broadcastLocal(f Frame, appendHistory bool, exclude ...string) {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.byClientID))
	for id, conn := range r.byClientID {
		if _, skip := excluded[id]; !skip {
			targets = append(targets, conn)
		}
	}
	r.mu.Unlock()

	if appendHistory && isHistoryType(f.Type) {
		r.history.Append(f)
	}

	for _, conn := range targets {
		if err := conn.writeFrame(f); err != nil {
			r.log.Warn().Err(err).Str("client_id", conn.id).Msg("broadcast write failed")
			go r.Disconnect(conn.id, 0, "write failed")
			continue
		}
		r.metrics.MessagesSent.Inc()
	}
	r.metrics.BroadcastsTotal.Inc()
}

// Get returns the live connection for a client id.
func (r *Registry) Get(clientID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byClientID[clientID]
	return conn, ok
}

// Status summarizes the live set for the status endpoint.
func (r *Registry) Status() (int, int, map[string]Metadata) {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.byClientID))
	for _, c := range r.byClientID {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	meta := make(map[string]Metadata, len(conns))
	for _, c := range conns {
		meta[c.id] = c.metadata()
	}
	return len(conns), r.history.Len(), meta
}

// Shutdown disconnects every live client with a normal close.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byClientID))
	for id := range r.byClientID {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Disconnect(id, CloseNormal, "server shutting down")
	}
}

func (r *Registry) insertLocked(conn *Conn) {
	r.byClientID[conn.id] = conn
	if r.byUserID[conn.userID] == nil {
		r.byUserID[conn.userID] = make(map[string]struct{})
	}
	r.byUserID[conn.userID][conn.id] = struct{}{}
	if r.byIP[conn.ip] == nil {
		r.byIP[conn.ip] = make(map[string]struct{})
	}
	r.byIP[conn.ip][conn.id] = struct{}{}
}

func (r *Registry) removeIndices(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byClientID, conn.id)
	r.removeIndexLocked(r.byUserID, conn.userID, conn.id)
	r.removeIndexLocked(r.byIP, conn.ip, conn.id)
}

func (r *Registry) removeIndexLocked(index map[string]map[string]struct{}, key, clientID string) {
	if set, ok := index[key]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func (r *Registry) pruneRetainedLocked() {
	for id, meta := range r.retained {
		if time.Since(meta.retainedAt) >= retainWindow {
			delete(r.retained, id)
		}
	}
}
