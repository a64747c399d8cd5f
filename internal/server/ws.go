package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/unklstewy/flightwatch/internal/broker"
	"github.com/unklstewy/flightwatch/pkg/telemetry"
)

// ErrRateLimited is reported to clients that send faster than allowed.
var ErrRateLimited = errors.New("inbound message rate exceeded")

// wsConn adapts a WebSocket connection to broker.Conn. Outbound envelopes
// go through a buffered queue drained by the write pump, so Send never
// blocks the broker.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	send    chan telemetry.Envelope
	done    chan struct{}
	limiter *rate.Limiter
	logger  *slog.Logger

	writeWait time.Duration

	closeOnce sync.Once
	onClose   func(*wsConn)
}

func newWSConn(ws *websocket.Conn, cfg Config, logger *slog.Logger, onClose func(*wsConn)) *wsConn {
	id := uuid.NewString()
	return &wsConn{
		id:      id,
		ws:      ws,
		send:    make(chan telemetry.Envelope, cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(cfg.InboundRate), cfg.InboundBurst),
		logger:  logger.With(slog.String("conn", id)),
		onClose: onClose,

		writeWait: cfg.WriteWait,
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues env for delivery.
func (c *wsConn) Send(env telemetry.Envelope) error {
	select {
	case <-c.done:
		return broker.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return broker.ErrConnectionClosed
	default:
		return broker.ErrSlowConsumer
	}
}

// close tears the connection down once; onClose runs exactly once.
func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeWait))
			c.ws.Close()
		}
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

func (c *wsConn) readPump(b *broker.Broker, cfg Config) {
	defer c.close()

	c.ws.SetReadLimit(cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("connection read failed", slog.Any("error", err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))

		if !c.limiter.Allow() {
			_ = b.Reject(c, "", ErrRateLimited)
			continue
		}
		_ = b.HandleMessage(c, raw)
	}
}

func (c *wsConn) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.logger.Warn("connection write failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleWebSocket upgrades the request and starts the connection pumps
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := newWSConn(ws, s.cfg, s.logger, func(c *wsConn) {
		s.conns.Delete(c.id)
		s.broker.OnConnectionClosed(c)
		c.logger.Info("client disconnected")
	})
	s.conns.Store(c.id, c)
	s.broker.Register(c)
	c.logger.Info("client connected", slog.String("remote", r.RemoteAddr))

	go c.writePump(s.cfg)
	go c.readPump(s.broker, s.cfg)
}
