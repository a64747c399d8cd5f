// Package broker maintains per-flight topics and fans position updates out
// to every subscribed connection.
//
// Topics live in a fixed set of shards keyed by flight id, so operations on
// different flights rarely share a lock. Each connection's memberships are
// tracked separately, which lets a disconnect be cleaned up without scanning
// every topic.
package broker

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/unklstewy/flightwatch/pkg/telemetry"
)

const (
	// DefaultShards is the number of topic shards
	DefaultShards = 32

	// DefaultCacheSize bounds the last-value cache
	DefaultCacheSize = 4096

	// closedConnMemory is how many closed connection ids are remembered so
	// a late Subscribe cannot bring them back
	closedConnMemory = 4096
)

var (
	// ErrSlowConsumer is returned by Conn.Send when the outbound buffer is full
	ErrSlowConsumer = errors.New("connection send buffer full")
	// ErrConnectionClosed is returned by Conn.Send after the connection closed
	ErrConnectionClosed = errors.New("connection closed")
)

// Conn is a client connection as seen by the broker.
//
// Send must not block: it either queues the envelope for delivery or
// returns an error immediately.
type Conn interface {
	ID() string
	Send(env telemetry.Envelope) error
}

// ProtocolError describes an inbound message the broker rejected. The
// client is told about it with an error event; the connection stays open.
type ProtocolError struct {
	// Event is the rejected event name, empty if the frame did not decode
	Event string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
	return fmt.Sprintf("protocol error in %s: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Config configures a Broker.
type Config struct {
	Shards    int
	CacheSize int
	Logger    *slog.Logger

	// Now defaults to time.Now
	Now func() time.Time
}

// PublishResult reports the outcome of one Publish.
type PublishResult struct {
	Delivered int
	Failed    int
}

// TopicInfo describes one active topic.
type TopicInfo struct {
	FlightID    string `json:"flightId"`
	Subscribers int    `json:"subscribers"`
}

// Stats is a point-in-time view of broker activity.
type Stats struct {
	Topics         int           `json:"topics"`
	Connections    int64         `json:"connections"`
	Published      uint64        `json:"published"`
	Delivered      uint64        `json:"delivered"`
	Failed         uint64        `json:"failed"`
	ProtocolErrors uint64        `json:"protocolErrors"`
	Uptime         time.Duration `json:"uptime"`
}

type shard struct {
	mu     sync.RWMutex
	topics map[string]map[string]Conn
}

// member is the set of topics one connection belongs to.
type member struct {
	mu     sync.Mutex
	conn   Conn
	topics map[string]struct{}
	closed bool
}

// Broker routes position updates from publishers to subscribers.
type Broker struct {
	shards  []*shard
	members sync.Map // conn id -> *member
	closed  *lru.Cache[string, struct{}]
	latest  *lru.Cache[string, telemetry.PositionUpdate]
	logger  *slog.Logger
	now     func() time.Time
	started time.Time

	connections    atomic.Int64
	published      atomic.Uint64
	delivered      atomic.Uint64
	failed         atomic.Uint64
	protocolErrors atomic.Uint64
}

// New creates an empty broker.
func New(cfg Config) (*Broker, error) {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := lru.New[string, telemetry.PositionUpdate](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create position cache: %w", err)
	}
	closed, err := lru.New[string, struct{}](closedConnMemory)
	if err != nil {
		return nil, fmt.Errorf("failed to create closed connection set: %w", err)
	}

	b := &Broker{
		shards:  make([]*shard, cfg.Shards),
		closed:  closed,
		latest:  cache,
		logger:  logger,
		now:     cfg.Now,
		started: cfg.Now(),
	}
	for i := range b.shards {
		b.shards[i] = &shard{topics: make(map[string]map[string]Conn)}
	}
	return b, nil
}

func (b *Broker) shard(flightID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(flightID))
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

// Register starts bookkeeping for conn. It is optional; Subscribe
// registers unknown connections on first use.
func (b *Broker) Register(conn Conn) {
	b.memberFor(conn)
}

// memberFor returns the bookkeeping for conn, or nil once conn has closed.
func (b *Broker) memberFor(conn Conn) *member {
	if m, ok := b.members.Load(conn.ID()); ok {
		return m.(*member)
	}
	v, loaded := b.members.LoadOrStore(conn.ID(), &member{
		conn:   conn,
		topics: make(map[string]struct{}),
	})
	m := v.(*member)
	if loaded {
		return m
	}
	b.connections.Add(1)

	// OnConnectionClosed marks the id before removing the member, so a
	// member stored after that removal is caught here.
	if b.closed.Contains(conn.ID()) {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		if b.members.CompareAndDelete(conn.ID(), m) {
			b.connections.Add(-1)
		}
		return nil
	}
	return m
}

// Subscribe adds conn to the flight's topic, creating the topic if needed,
// and acknowledges with flight_subscribed. Subscribing twice is harmless and
// acknowledged again.
func (b *Broker) Subscribe(conn Conn, flightID string) error {
	if strings.TrimSpace(flightID) == "" {
		return telemetry.ErrMissingFlightID
	}

	m := b.memberFor(conn)
	if m == nil {
		return ErrConnectionClosed
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	_, already := m.topics[flightID]
	m.topics[flightID] = struct{}{}

	sh := b.shard(flightID)
	sh.mu.Lock()
	subs, ok := sh.topics[flightID]
	if !ok {
		subs = make(map[string]Conn)
		sh.topics[flightID] = subs
	}
	subs[conn.ID()] = conn
	sh.mu.Unlock()
	m.mu.Unlock()

	if !already {
		b.logger.Debug("subscribed", slog.String("conn", conn.ID()), slog.String("flight", flightID))
	}
	b.ack(conn, telemetry.EventFlightSubscribed, flightID, telemetry.StatusSubscribed)
	return nil
}

// Unsubscribe removes conn from the flight's topic and acknowledges with
// flight_unsubscribed. A topic left without subscribers is removed.
// Unsubscribing from a topic the connection is not in is a no-op that is
// still acknowledged.
func (b *Broker) Unsubscribe(conn Conn, flightID string) error {
	if strings.TrimSpace(flightID) == "" {
		return telemetry.ErrMissingFlightID
	}

	if v, ok := b.members.Load(conn.ID()); ok {
		m := v.(*member)
		m.mu.Lock()
		delete(m.topics, flightID)
		b.removeFromTopic(conn.ID(), flightID)
		m.mu.Unlock()
	}

	b.ack(conn, telemetry.EventFlightUnsubscribed, flightID, telemetry.StatusUnsubscribed)
	return nil
}

// OnConnectionClosed drops conn from every topic it belonged to. It is safe
// to call more than once.
func (b *Broker) OnConnectionClosed(conn Conn) {
	b.closed.Add(conn.ID(), struct{}{})
	v, ok := b.members.LoadAndDelete(conn.ID())
	if !ok {
		return
	}
	b.connections.Add(-1)

	m := v.(*member)
	m.mu.Lock()
	m.closed = true
	topics := m.topics
	m.topics = nil
	for flightID := range topics {
		b.removeFromTopic(conn.ID(), flightID)
	}
	m.mu.Unlock()

	b.logger.Debug("connection cleaned up", slog.String("conn", conn.ID()), slog.Int("topics", len(topics)))
}

func (b *Broker) removeFromTopic(connID, flightID string) {
	sh := b.shard(flightID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	subs, ok := sh.topics[flightID]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(sh.topics, flightID)
		b.latest.Remove(flightID)
		b.logger.Debug("topic removed", slog.String("flight", flightID))
	}
}

// Publish delivers pos to every subscriber of flightID. Each delivery is
// independent: a failing connection is logged and counted and the rest
// still receive the update. Publishing to a flight nobody follows does
// nothing.
func (b *Broker) Publish(flightID string, pos telemetry.FlightPosition) PublishResult {
	sh := b.shard(flightID)
	sh.mu.RLock()
	subs := sh.topics[flightID]
	targets := make([]Conn, 0, len(subs))
	for _, c := range subs {
		targets = append(targets, c)
	}
	sh.mu.RUnlock()

	var res PublishResult
	if len(targets) == 0 {
		return res
	}

	upd := telemetry.PositionUpdate{
		FlightID:  flightID,
		Position:  pos,
		Timestamp: b.now().UTC(),
	}
	env, err := telemetry.Encode(telemetry.EventPositionUpdate, upd)
	if err != nil {
		b.logger.Error("failed to encode position update", slog.String("flight", flightID), slog.Any("error", err))
		return res
	}
	b.published.Add(1)

	var closed []Conn
	for _, c := range targets {
		if err := c.Send(env); err != nil {
			res.Failed++
			b.logger.Warn("delivery failed",
				slog.String("conn", c.ID()),
				slog.String("flight", flightID),
				slog.Any("error", err))
			if errors.Is(err, ErrConnectionClosed) {
				closed = append(closed, c)
			}
			continue
		}
		res.Delivered++
	}
	b.delivered.Add(uint64(res.Delivered))
	b.failed.Add(uint64(res.Failed))

	// The topic may have been removed, and its cache entry evicted, while
	// sending.
	sh.mu.RLock()
	if _, ok := sh.topics[flightID]; ok {
		b.latest.Add(flightID, upd)
	}
	sh.mu.RUnlock()

	for _, c := range closed {
		b.OnConnectionClosed(c)
	}
	return res
}

// HandleMessage decodes one inbound frame from conn and dispatches it.
// Malformed or unknown messages are answered with an error event and
// returned as a *ProtocolError; the connection is left open.
func (b *Broker) HandleMessage(conn Conn, raw []byte) error {
	env, err := telemetry.DecodeEnvelope(raw)
	if err != nil {
		return b.reject(conn, "", err)
	}

	switch env.Event {
	case telemetry.EventSubscribeFlight:
		req, err := telemetry.DecodeFlightRequest(env)
		if err != nil {
			return b.reject(conn, env.Event, err)
		}
		if err := b.Subscribe(conn, req.FlightID); err != nil {
			return b.reject(conn, env.Event, err)
		}
	case telemetry.EventUnsubscribeFlight:
		req, err := telemetry.DecodeFlightRequest(env)
		if err != nil {
			return b.reject(conn, env.Event, err)
		}
		if err := b.Unsubscribe(conn, req.FlightID); err != nil {
			return b.reject(conn, env.Event, err)
		}
	default:
		return b.reject(conn, env.Event, telemetry.ErrUnknownEvent)
	}
	return nil
}

// Reject reports a protocol violation detected outside HandleMessage,
// such as an inbound rate limit, to conn.
func (b *Broker) Reject(conn Conn, event string, err error) error {
	return b.reject(conn, event, err)
}

func (b *Broker) reject(conn Conn, event string, err error) error {
	perr := &ProtocolError{Event: event, Err: err}
	b.protocolErrors.Add(1)
	b.logger.Warn("protocol error",
		slog.String("conn", conn.ID()),
		slog.String("event", event),
		slog.Any("error", err))

	b.send(conn, telemetry.EventError, telemetry.ErrorMessage{
		Event:     event,
		Message:   err.Error(),
		Timestamp: b.now().UTC(),
	})
	return perr
}

func (b *Broker) ack(conn Conn, event, flightID, status string) {
	b.send(conn, event, telemetry.SubscriptionAck{
		FlightID:  flightID,
		Status:    status,
		Timestamp: b.now().UTC(),
	})
}

func (b *Broker) send(conn Conn, event string, payload any) {
	env, err := telemetry.Encode(event, payload)
	if err != nil {
		b.logger.Error("failed to encode reply", slog.String("event", event), slog.Any("error", err))
		return
	}
	if err := conn.Send(env); err != nil {
		b.failed.Add(1)
		b.logger.Warn("delivery failed",
			slog.String("conn", conn.ID()),
			slog.String("event", event),
			slog.Any("error", err))
	}
}

// Latest returns the last position published for a flight that still has
// subscribers.
func (b *Broker) Latest(flightID string) (telemetry.PositionUpdate, bool) {
	if b.Subscribers(flightID) == 0 {
		return telemetry.PositionUpdate{}, false
	}
	return b.latest.Get(flightID)
}

// Subscribers returns the number of connections following flightID.
func (b *Broker) Subscribers(flightID string) int {
	sh := b.shard(flightID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.topics[flightID])
}

// ActiveFlights returns every flight with at least one subscriber, sorted.
func (b *Broker) ActiveFlights() []string {
	var ids []string
	for _, sh := range b.shards {
		sh.mu.RLock()
		for id := range sh.topics {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

// Topics lists active topics with their subscriber counts, sorted by flight.
func (b *Broker) Topics() []TopicInfo {
	var out []TopicInfo
	for _, sh := range b.shards {
		sh.mu.RLock()
		for id, subs := range sh.topics {
			out = append(out, TopicInfo{FlightID: id, Subscribers: len(subs)})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlightID < out[j].FlightID })
	return out
}

// Stats returns broker counters.
func (b *Broker) Stats() Stats {
	topics := 0
	for _, sh := range b.shards {
		sh.mu.RLock()
		topics += len(sh.topics)
		sh.mu.RUnlock()
	}
	return Stats{
		Topics:         topics,
		Connections:    b.connections.Load(),
		Published:      b.published.Load(),
		Delivered:      b.delivered.Load(),
		Failed:         b.failed.Load(),
		ProtocolErrors: b.protocolErrors.Load(),
		Uptime:         b.now().Sub(b.started),
	}
}
