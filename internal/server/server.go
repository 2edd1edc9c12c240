// Package server wires the gateway together: the WebSocket upgrade endpoint,
// the status and health surfaces, and the Prometheus exporter.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/metrics"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/ws"
)

// Server owns the HTTP listener and the WebSocket admission flow.
type Server struct {
	cfg        *config.Config
	log        zerolog.Logger
	verifier   auth.TokenVerifier
	limiter    *ratelimit.Limiter
	registry   *ws.Registry
	dispatcher *ws.Dispatcher
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	httpServer *http.Server
	startedAt  time.Time
}

func New(
	cfg *config.Config,
	log zerolog.Logger,
	verifier auth.TokenVerifier,
	limiter *ratelimit.Limiter,
	registry *ws.Registry,
	dispatcher *ws.Dispatcher,
	m *metrics.Metrics,
	promReg *prometheus.Registry,
) *Server {
	s := &Server{
		cfg:        cfg,
		log:        log.With().Str("component", "server").Logger(),
		verifier:   verifier,
		limiter:    limiter,
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
			WriteBufferSize: cfg.WebSocket.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.WebSocket.Path, s.handleWebSocket)
	mux.HandleFunc(cfg.WebSocket.Path+"/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler exposes the mux for httptest-based tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe runs the HTTP server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server and disconnects every client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

// handleWebSocket runs the admission sequence: upgrade, token and client_id
// extraction, verification, connection-limit check, then registry insertion
// and the receive loop. Admission failures close the socket with a policy
// violation; everything after admission unwinds through the registry.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	token := auth.TokenFromRequest(r)
	ip := clientIP(r, s.cfg.Server.TrustProxyHeaders)

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	if clientID == "" {
		s.refuse(sock, ws.ClosePolicyViolation, ws.ReasonMissingClientID)
		return
	}
	if token == "" {
		s.refuse(sock, ws.ClosePolicyViolation, ws.ReasonMissingToken)
		return
	}

	identity, err := s.verifier.Verify(token)
	if err != nil {
		reason := ws.ReasonInvalidToken
		if errors.Is(err, auth.ErrTokenExpired) {
			reason = ws.ReasonTokenExpired
		}
		s.log.Debug().Err(err).Str("client_id", clientID).Msg("token rejected")
		s.refuse(sock, ws.ClosePolicyViolation, reason)
		return
	}

	if s.registry.HasLive(clientID) {
		s.refuse(sock, ws.ClosePolicyViolation, ws.ReasonDuplicateClient)
		return
	}

	allow, _, err := s.limiter.CheckConnectionLimit(r.Context(), clientID, identity.UserID, ip)
	if err != nil {
		s.log.Error().Err(err).Str("client_id", clientID).Msg("admission check failed")
		s.refuse(sock, ws.CloseInternalError, "store unavailable")
		return
	}
	if !allow {
		s.refuse(sock, ws.ClosePolicyViolation, ws.ReasonConnLimit)
		return
	}

	var conn *ws.Conn
	if s.registry.HasRetained(clientID) {
		conn, err = s.registry.Reconnect(r.Context(), clientID, sock, identity.UserID, ip)
		if errors.Is(err, ws.ErrUserMismatch) {
			s.refuse(sock, ws.ClosePolicyViolation, ws.ReasonDuplicateClient)
			return
		}
		if errors.Is(err, ws.ErrUnknownClient) {
			conn, err = s.registry.Connect(r.Context(), clientID, sock, identity.UserID, ip)
		}
	} else {
		conn, err = s.registry.Connect(r.Context(), clientID, sock, identity.UserID, ip)
	}
	if err != nil {
		switch {
		case errors.Is(err, ws.ErrClientExists):
			s.refuse(sock, ws.ClosePolicyViolation, ws.ReasonDuplicateClient)
		case errors.Is(err, ws.ErrEmptyClientID):
			s.refuse(sock, ws.ClosePolicyViolation, ws.ReasonMissingClientID)
		default:
			s.log.Error().Err(err).Str("client_id", clientID).Msg("admission failed")
			s.refuse(sock, ws.CloseInternalError, "internal error")
		}
		return
	}

	s.receiveLoop(conn, sock)
}

// receiveLoop pulls frames off the socket in order until the peer goes away.
func (s *Server) receiveLoop(conn *ws.Conn, sock *websocket.Conn) {
	sock.SetReadLimit(int64(s.cfg.WebSocket.MaxMessageLength) + 64*1024)
	ctx := context.Background()

	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Str("client_id", conn.ID()).Msg("read error")
			}
			s.registry.Disconnect(conn.ID(), 0, "peer closed")
			return
		}
		s.dispatcher.HandleInbound(ctx, conn, raw)
	}
}

// refuse closes a just-upgraded socket with a close code and reason.
func (s *Server) refuse(sock *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(s.cfg.WebSocket.WriteWait)
	_ = sock.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = sock.Close()
	s.metrics.ErrorsTotal.WithLabelValues("admission_refused").Inc()
}

// handleStatus reports the live connection set, history depth and the
// identities currently carrying rate-limit violations.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, historyLen, meta := s.registry.Status()

	violations, err := s.limiter.ActiveViolations(r.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("violation scan failed")
	}
	writeJSON(w, map[string]any{
		"active_connections":     active,
		"message_history_length": historyLen,
		"connections":            meta,
		"active_violations":      violations,
	})
}

// handleHealth reports liveness plus coarse system stats.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, _, _ := s.registry.Status()

	system := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		system["memory_used_percent"] = vm.UsedPercent
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		system["cpu_percent"] = percents[0]
	}

	writeJSON(w, map[string]any{
		"status":             "healthy",
		"uptime_seconds":     time.Since(s.startedAt).Seconds(),
		"active_connections": active,
		"system":             system,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
