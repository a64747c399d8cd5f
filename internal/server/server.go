// Package server exposes the broker over HTTP: a WebSocket endpoint for the
// push channel and a small REST API for liveness probes and monitoring.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/unklstewy/flightwatch/internal/broker"
)

// Config contains HTTP and WebSocket settings.
type Config struct {
	Host string
	Port int

	// AllowedOrigins is used for CORS and the WebSocket origin check;
	// empty or "*" allows any origin
	AllowedOrigins []string

	// SendBuffer is the per-connection outbound queue length
	SendBuffer int

	// InboundRate and InboundBurst limit client messages per connection
	InboundRate  float64
	InboundBurst int

	// PingInterval must be shorter than PongWait
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration

	MaxMessageSize int64

	// ShutdownTimeout bounds graceful shutdown (default: 30 seconds)
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.InboundRate <= 0 {
		c.InboundRate = 20
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 40
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Server holds the HTTP router and its dependencies.
type Server struct {
	router   *chi.Mux
	broker   *broker.Broker
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time

	conns sync.Map // id -> *wsConn
}

// New creates a server in front of b.
func New(b *broker.Broker, cfg Config) *Server {
	cfg.applyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router:  chi.NewRouter(),
		broker:  b,
		cfg:     cfg,
		logger:  logger,
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&accessLog{logger: s.logger}))
	r.Use(middleware.Recoverer)

	// The upgrade needs the raw connection, so it sits outside compression
	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.allowedOrigins(),
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/flights", s.handleListFlights)
			r.Get("/flights/{flightID}/position", s.handleGetPosition)
			r.Get("/system/status", s.handleGetSystemStatus)
		})
	})
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins() {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// and closes every WebSocket connection.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	s.CloseConnections()
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return <-errCh
}

// CloseConnections closes every open WebSocket connection.
func (s *Server) CloseConnections() {
	s.conns.Range(func(_, v any) bool {
		v.(*wsConn).close()
		return true
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListFlights lists flights with at least one subscriber
func (s *Server) handleListFlights(w http.ResponseWriter, r *http.Request) {
	topics := s.broker.Topics()
	if topics == nil {
		topics = []broker.TopicInfo{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"flights": topics,
		"count":   len(topics),
	})
}

// handleGetPosition returns the last published position of a flight
func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	flightID := chi.URLParam(r, "flightID")
	upd, ok := s.broker.Latest(flightID)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("no position for flight %s", flightID))
		return
	}
	respondJSON(w, http.StatusOK, upd)
}

// handleGetSystemStatus reports broker counters
func (s *Server) handleGetSystemStatus(w http.ResponseWriter, r *http.Request) {
	st := s.broker.Stats()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "online",
		"topics":          st.Topics,
		"connections":     st.Connections,
		"published":       st.Published,
		"delivered":       st.Delivered,
		"failed":          st.Failed,
		"protocol_errors": st.ProtocolErrors,
		"uptime":          st.Uptime.Round(time.Second).String(),
		"server_uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
