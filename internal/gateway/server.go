package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// ServerConfig configures the websocket gateway.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadLimit    int64         `yaml:"read_limit"`
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	CheckOrigin  bool          `yaml:"check_origin"`
}

// DefaultServerConfig returns sensible gateway defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		ReadLimit:    1 << 20,
		SendBuffer:   256,
		WriteTimeout: 10 * time.Second,
		PongTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Server terminates websocket sessions, feeds inbound envelopes to the
// router, and exposes health and metrics endpoints.
type Server struct {
	config   ServerConfig
	registry *ConnectionRegistry
	router   *Router
	logger   *slog.Logger

	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer wires the gateway's HTTP surface: /ws, /healthz and /metrics.
func NewServer(config ServerConfig, registry *ConnectionRegistry, router *Router, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = 1 << 20
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 60 * time.Second
	}
	if config.PingInterval <= 0 || config.PingInterval >= config.PongTimeout {
		config.PingInterval = config.PongTimeout * 3 / 4
	}

	s := &Server{
		config:   config,
		registry: registry,
		router:   router,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if !config.CheckOrigin {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.http = &http.Server{
		Addr:              config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", "addr", s.config.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"users":       s.registry.UserCount(),
		"connections": s.registry.ConnectionCount(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConnection(uuid.NewString(), ws, s.config.SendBuffer)
	s.logger.Info("connection opened", "connection_id", conn.ID, "remote", r.RemoteAddr)

	go s.writePump(conn, ws)
	s.readPump(r.Context(), conn, ws)
}

// readPump consumes envelopes until the connection dies. The first envelope
// binds the connection to its user; any later envelope claiming a
// different user closes the connection.
func (s *Server) readPump(ctx context.Context, conn *Connection, ws *websocket.Conn) {
	defer func() {
		s.registry.Remove(conn)
		conn.Close()
		s.logger.Info("connection closed", "connection_id", conn.ID)
	}()

	ws.SetReadLimit(s.config.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("read error", "connection_id", conn.ID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = sendFrame(conn, frame{Type: "error", Error: "malformed envelope"})
			continue
		}
		if err := validateInboundFrame(data, &env); err != nil {
			s.logger.Debug("frame rejected by schema",
				"connection_id", conn.ID,
				"type", env.Type,
				"error", err,
			)
			_ = sendFrame(conn, frame{Type: "error", Error: "invalid envelope: " + err.Error()})
			continue
		}

		switch bound := conn.UserID(); {
		case bound == "":
			s.registry.Bind(conn, env.UserID)
		case bound != env.UserID:
			// A session speaks for exactly one user.
			s.logger.Warn("user mismatch on bound connection",
				"connection_id", conn.ID,
				"bound_user", bound,
				"claimed_user", env.UserID,
			)
			_ = sendFrame(conn, frame{Type: "error", Error: "connection bound to another user"})
			return
		}

		routeCtx := observability.AddConnectionID(ctx, conn.ID)
		routeCtx = observability.AddUserID(routeCtx, env.UserID)
		if err := s.router.Route(routeCtx, conn, env); err != nil {
			s.logger.Warn("route error",
				"connection_id", conn.ID,
				"type", env.Type,
				"error", err,
			)
		}
	}
}

// writePump drains the connection's send queue onto the wire and keeps the
// session alive with pings. All writes happen here; gorilla allows one
// writer at a time.
func (s *Server) writePump(conn *Connection, ws *websocket.Conn) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-conn.send:
			_ = ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("write failed", "connection_id", conn.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
