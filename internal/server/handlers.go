package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gohub/internal/config"
	"github.com/Tyrowin/gohub/internal/hub"
)

// Server holds the HTTP handlers that front a hub.
type Server struct {
	hub      *hub.Hub
	origins  *originPolicy
	upgrader websocket.Upgrader
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New creates the handlers for h using the origin policy in cfg.
func New(h *hub.Hub, cfg config.Config, opts ...Option) *Server {
	s := &Server{
		hub:      h,
		gatherer: prometheus.DefaultGatherer,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.With().Str("component", "server").Logger()
	s.origins = newOriginPolicy(cfg, s.log)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// HubHandler upgrades the request to a WebSocket connection and hands it to
// the hub, which runs the handshake.
func (s *Server) HubHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	if err := s.hub.Accept(conn, r.RemoteAddr); err != nil {
		s.log.Info().Err(err).Str("addr", r.RemoteAddr).Msg("Connection refused")
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "gohub server is running!")
}

// Status is the body of the /healthz endpoint.
type Status struct {
	Status   string   `json:"status"`
	Sessions int      `json:"sessions"`
	Methods  []string `json:"methods"`
}

// StatusHandler reports the hub's session count and method table as JSON.
func (s *Server) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := Status{
		Status:   "ok",
		Sessions: s.hub.SessionCount(),
		Methods:  s.hub.Router().Methods(),
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Debug().Err(err).Msg("Error writing status")
	}
}
