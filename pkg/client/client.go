// Package client connects tracking engines to a flight broker: a WebSocket
// push transport for position updates and an HTTP prober for the fallback
// liveness check.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unklstewy/flightwatch/pkg/telemetry"
)

const (
	// DefaultWriteTimeout bounds a single frame write
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReadTimeout is how long the connection may stay silent,
	// pings included, before it is considered dead
	DefaultReadTimeout = 90 * time.Second

	maxFrameSize = 1 << 20
)

var (
	// ErrNotConnected is returned when subscribing before the first Connect
	ErrNotConnected = errors.New("client not connected")
	// ErrClientClosed is returned after Close
	ErrClientClosed = errors.New("client closed")
)

// Config contains configuration for the broker client.
type Config struct {
	// URL is the broker's WebSocket endpoint, e.g. ws://localhost:8080/ws
	URL string

	// Retry controls reconnection; the zero value means ReconnectRetryConfig()
	Retry RetryConfig

	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	// Dialer defaults to websocket.DefaultDialer
	Dialer *websocket.Dialer

	Logger *slog.Logger

	// OnServerError is called for every error event sent by the broker
	OnServerError func(msg telemetry.ErrorMessage)

	// OnConnectionChange is called with true after each successful
	// (re)connect and false when the connection drops
	OnConnectionChange func(connected bool)
}

// Client is a WebSocket connection to the broker shared by any number of
// flight subscriptions. It satisfies tracking.Subscriber.
//
// Handlers registered for the same flight share one wire subscription;
// unsubscribe_flight is sent when the last of them goes away. Updates are
// dispatched on the read goroutine, one at a time and in arrival order.
type Client struct {
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	nextID    uint64
	handlers  map[string]map[uint64]func(telemetry.FlightPosition)
}

// New creates a client. Nothing is dialed until Connect or Run.
func New(cfg Config) *Client {
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry = ReconnectRetryConfig()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:      cfg,
		logger:   logger.With(slog.String("broker", cfg.URL)),
		handlers: make(map[string]map[uint64]func(telemetry.FlightPosition)),
	}
}

// Connect dials the broker and re-sends a subscription for every flight
// that still has handlers. A previous connection, if any, is replaced.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	old := c.conn
	c.conn = conn
	c.connected = true
	flights := c.flightsLocked()
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	for _, flightID := range flights {
		if err := c.send(conn, telemetry.EventSubscribeFlight, telemetry.FlightRequest{FlightID: flightID}); err != nil {
			return fmt.Errorf("failed to resubscribe %s: %w", flightID, err)
		}
	}

	c.logger.Info("connected to broker", slog.Int("flights", len(flights)))
	if cb := c.cfg.OnConnectionChange; cb != nil {
		cb(true)
	}
	return nil
}

// Run reads from the broker until ctx is cancelled or Close is called,
// reconnecting with backoff whenever the connection drops.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	defer stop()

	for {
		if c.isClosed() || ctx.Err() != nil {
			return nil
		}

		conn := c.current()
		if conn == nil {
			err := RetryWithBackoff(ctx, c.reconnectConfig(), func() error {
				err := c.Connect(ctx)
				if errors.Is(err, ErrClientClosed) {
					return Permanent(err)
				}
				return err
			})
			if err != nil {
				if c.isClosed() || ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}

		err := c.readLoop(conn)
		c.drop(conn)
		if c.isClosed() || ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("broker connection lost", slog.Any("error", err))
		if cb := c.cfg.OnConnectionChange; cb != nil {
			cb(false)
		}
	}
}

// Close shuts the connection down. Subscriptions are not restored afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	return c.current() != nil
}

// SubscribeToFlightUpdates registers onPosition for flightID. The first
// handler for a flight sends subscribe_flight; later ones share it. If the
// connection is down the subscription is sent on the next reconnect.
func (c *Client) SubscribeToFlightUpdates(flightID string, onPosition func(telemetry.FlightPosition)) (func(), error) {
	if flightID == "" {
		return nil, telemetry.ErrMissingFlightID
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	set, ok := c.handlers[flightID]
	if !ok {
		set = make(map[uint64]func(telemetry.FlightPosition))
		c.handlers[flightID] = set
	}
	set[id] = onPosition
	conn := c.conn
	c.mu.Unlock()

	if !ok && conn != nil {
		if err := c.send(conn, telemetry.EventSubscribeFlight, telemetry.FlightRequest{FlightID: flightID}); err != nil {
			// The read loop will notice the broken connection and
			// resubscribe after reconnecting.
			c.logger.Warn("subscribe deferred until reconnect",
				slog.String("flight", flightID), slog.Any("error", err))
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.remove(flightID, id) })
	}, nil
}

// Flights returns the flights with at least one handler, sorted.
func (c *Client) Flights() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flightsLocked()
}

func (c *Client) remove(flightID string, id uint64) {
	c.mu.Lock()
	set := c.handlers[flightID]
	delete(set, id)
	last := len(set) == 0
	if last {
		delete(c.handlers, flightID)
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		if err := c.send(conn, telemetry.EventUnsubscribeFlight, telemetry.FlightRequest{FlightID: flightID}); err != nil {
			c.logger.Warn("failed to unsubscribe",
				slog.String("flight", flightID), slog.Any("error", err))
		}
	}
}

func (c *Client) flightsLocked() []string {
	ids := make([]string, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) reconnectConfig() RetryConfig {
	cfg := c.cfg.Retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("reconnecting to broker",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
	}
	return cfg
}

func (c *Client) send(conn *websocket.Conn, event string, payload any) error {
	env, err := telemetry.Encode(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	env, err := telemetry.DecodeEnvelope(raw)
	if err != nil {
		c.logger.Warn("dropping malformed frame", slog.Any("error", err))
		return
	}

	switch env.Event {
	case telemetry.EventPositionUpdate:
		upd, err := telemetry.DecodePositionUpdate(env)
		if err != nil {
			c.logger.Warn("dropping malformed position update", slog.Any("error", err))
			return
		}
		for _, h := range c.handlersFor(upd.FlightID) {
			h(upd.Position)
		}

	case telemetry.EventFlightSubscribed, telemetry.EventFlightUnsubscribed:
		ack, err := telemetry.DecodeAck(env)
		if err != nil {
			c.logger.Warn("dropping malformed ack", slog.Any("error", err))
			return
		}
		c.logger.Debug("subscription acknowledged",
			slog.String("flight", ack.FlightID),
			slog.String("status", ack.Status))

	case telemetry.EventError:
		msg, err := telemetry.DecodeError(env)
		if err != nil {
			c.logger.Warn("dropping malformed error event", slog.Any("error", err))
			return
		}
		c.logger.Warn("broker reported error",
			slog.String("event", msg.Event),
			slog.String("message", msg.Message))
		if cb := c.cfg.OnServerError; cb != nil {
			cb(msg)
		}

	default:
		c.logger.Debug("ignoring event", slog.String("event", env.Event))
	}
}

func (c *Client) handlersFor(flightID string) []func(telemetry.FlightPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.handlers[flightID]
	out := make([]func(telemetry.FlightPosition), 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}
