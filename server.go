package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"paddlearena/gamecore/internal/config"
	"paddlearena/gamecore/internal/logging"
	"paddlearena/gamecore/internal/match"
	"paddlearena/gamecore/internal/protocol"
	"paddlearena/gamecore/internal/registry"
	"paddlearena/gamecore/internal/transport"
)

var errSendQueueFull = errors.New("send queue full")

// wsConn adapts a gorilla websocket to the narrow connection surface the game
// core depends on. Writes go through a buffered channel drained by a single
// writer goroutine; slow consumers are disconnected rather than blocked on.
type wsConn struct {
	socket *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *logging.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

func newWSConn(socket *websocket.Conn, logger *logging.Logger) *wsConn {
	return &wsConn{
		socket: socket,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// SendEvent queues one {event, payload} envelope for delivery.
func (c *wsConn) SendEvent(event string, payload any) error {
	if c == nil || c.closed.Load() {
		return errors.New("connection closed")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(transport.Envelope{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		//1.- A full queue means the peer stopped reading; cut it loose so the
		// match broadcast never stalls on one connection.
		c.Close(transport.CloseNormal, "send queue overflow")
		return errSendQueueFull
	}
}

// Close sends a close frame with the given application code and tears the
// socket down. Safe to call more than once.
func (c *wsConn) Close(code int, reason string) error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		deadline := time.Now().Add(time.Second)
		message := websocket.FormatCloseMessage(code, reason)
		if err := c.socket.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
			c.logger.Debug("close frame write failed", logging.Error(err))
		}
		c.socket.Close()
		close(c.done)
	})
	return nil
}

// Server owns the HTTP surface: the websocket endpoint plus the small
// plain-HTTP operations the rest of the platform calls.
type Server struct {
	cfg      *config.Config
	logger   *logging.Logger
	handler  *protocol.Handler
	conns    *registry.Registry
	matches  *match.Registry
	upgrader websocket.Upgrader

	clientCount atomic.Int64
}

// NewServer wires the protocol handler and registries into an HTTP server.
func NewServer(cfg *config.Config, logger *logging.Logger, handler *protocol.Handler, conns *registry.Registry, matches *match.Registry) *Server {
	server := &Server{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		conns:   conns,
		matches: matches,
	}
	server.upgrader = websocket.Upgrader{
		CheckOrigin: server.checkOrigin,
	}
	return server
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Routes builds the HTTP route table.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(logging.HTTPTraceMiddleware(s.logger))
	router.HandleFunc("/ws", s.serveWS)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/presence/{user_id}", s.handlePresence).Methods(http.MethodGet)
	router.HandleFunc("/sessions", s.adminOnly(s.handleSessions)).Methods(http.MethodGet)
	router.HandleFunc("/sessions/revoke", s.adminOnly(s.handleRevoke)).Methods(http.MethodPost)
	return router
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if max := int64(s.cfg.MaxClients); max > 0 && s.clientCount.Load() >= max {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	socket.SetReadLimit(s.cfg.MaxPayloadBytes)

	conn := newWSConn(socket, s.logger)
	params := protocol.ParseParams(r.URL.Query())
	if _, err := s.handler.Connect(conn, params); err != nil {
		s.logger.Warn("connection refused", logging.Error(err))
		return
	}
	s.clientCount.Add(1)
	s.logger.Info("client connected",
		logging.String("remote", r.RemoteAddr),
		logging.String("mode", string(params.Mode)))

	go s.writePump(conn)
	go s.readPump(conn)
}

func (s *Server) readPump(conn *wsConn) {
	defer func() {
		conn.Close(transport.CloseNormal, "read loop ended")
		s.handler.HandleClose(conn)
		s.clientCount.Add(-1)
	}()
	for {
		_, data, err := conn.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", logging.Error(err))
			}
			return
		}
		s.handler.HandleMessage(conn, data)
	}
}

func (s *Server) writePump(conn *wsConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.socket.Close()
	}()
	for {
		select {
		case <-conn.done:
			return
		case data := <-conn.send:
			if err := conn.socket.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(time.Second)
			if err := conn.socket.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.clientCount.Load(),
	})
}

// handlePresence backs the platform's online-status feature.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"connections": s.conns.CountForUser(userID),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.matches.Sessions())
}

// handleRevoke force-closes every connection owned by an auth session. The
// identity service calls this on logout and token revocation.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AuthSessionID string `json:"auth_session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.AuthSessionID == "" {
		http.Error(w, "auth_session_id required", http.StatusBadRequest)
		return
	}
	closed := s.conns.CloseAllForAuthSession(payload.AuthSessionID)
	s.logger.Info("auth session revoked",
		logging.String("auth_session_id", payload.AuthSessionID),
		logging.Int("closed", closed))
	writeJSON(w, http.StatusOK, map[string]any{"closed": closed})
}

func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" || r.Header.Get("X-Admin-Token") != s.cfg.AdminToken {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
