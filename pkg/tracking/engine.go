// Package tracking is the client side of the telemetry stream: it follows
// individual flights, buffers their recent history, classifies significant
// changes, and keeps working when the push channel goes quiet.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unklstewy/flightwatch/pkg/telemetry"
)

// DefaultFallbackInterval is how long the engine waits for a push before
// probing the broker directly.
const DefaultFallbackInterval = 30 * time.Second

// DefaultProbeTimeout bounds a single liveness probe.
const DefaultProbeTimeout = 5 * time.Second

var (
	// ErrEngineClosed is returned when an engine is used after Close
	ErrEngineClosed = errors.New("tracking engine closed")
	// ErrProbeFailed wraps failures of the fallback liveness probe
	ErrProbeFailed = errors.New("liveness probe failed")
)

// ProcessingError is reported when an incoming position could not be
// handled. The engine stays Active after one.
type ProcessingError struct {
	FlightID string
	Err      error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("flight %s: %v", e.FlightID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Subscriber opens push subscriptions to the broker.
//
// onPosition is called for every position published for flightID, one at a
// time and in arrival order. It may fire before SubscribeToFlightUpdates
// returns, even on the calling goroutine (a replayed last value, say); the
// engine buffers such positions and processes them once it is Active.
// Calling the returned function cancels the subscription.
type Subscriber interface {
	SubscribeToFlightUpdates(flightID string, onPosition func(telemetry.FlightPosition)) (unsubscribe func(), err error)
}

// Prober fetches the latest known position of a flight out of band. It
// backs the fallback liveness check.
type Prober interface {
	LatestPosition(ctx context.Context, flightID string) (telemetry.FlightPosition, error)
}

// Callbacks are invoked by the engine, one at a time, never concurrently
// for the same engine. They run while the engine is busy, so they must not
// call Start, Stop, Toggle or Close on the same engine synchronously.
type Callbacks struct {
	OnStarted  func(flightID string)
	OnStopped  func(flightID string)
	OnPosition func(flightID string, pos telemetry.FlightPosition)
	OnChange   func(ev ChangeEvent)
	OnError    func(flightID string, err error)
}

// Options configures an Engine.
type Options struct {
	// Subscriber is the push channel; nil disables push delivery
	Subscriber Subscriber

	// Prober is the fallback channel; nil disables fallback polling
	Prober Prober

	// Store receives every processed position; optional
	Store Store

	Callbacks Callbacks

	// FallbackInterval defaults to DefaultFallbackInterval; negative disables
	FallbackInterval time.Duration

	// ProbeTimeout defaults to DefaultProbeTimeout
	ProbeTimeout time.Duration

	// HistoryCapacity defaults to DefaultHistoryCapacity
	HistoryCapacity int

	Logger *slog.Logger

	// Now is the clock used for LastUpdate; defaults to time.Now
	Now func() time.Time
}

// Engine tracks a single flight.
//
// Lifecycle: Idle -> Active (Start) -> Stopped (Stop) -> Active (Start) ...
// Close tears the engine down for good. Start while Active and Stop while
// not Active are no-ops.
type Engine struct {
	flightID string
	opts     Options
	logger   *slog.Logger
	history  *History

	// opMu serializes lifecycle operations, position processing and
	// callback dispatch.
	opMu sync.Mutex

	// mu guards the fields below so readers never wait on a callback.
	mu             sync.RWMutex
	status         Status
	state          TrackingState
	current        *telemetry.FlightPosition
	session        uint64
	closed         bool
	subscribing    bool
	pending        []telemetry.FlightPosition
	lastPush       time.Time
	unsubscribe    func()
	cancelFallback context.CancelFunc
}

// NewEngine creates an Idle engine for flightID.
func NewEngine(flightID string, opts Options) *Engine {
	if opts.FallbackInterval == 0 {
		opts.FallbackInterval = DefaultFallbackInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		flightID: flightID,
		opts:     opts,
		logger:   logger.With(slog.String("flight", flightID)),
		history:  NewHistory(opts.HistoryCapacity),
		status:   StatusIdle,
	}
}

// FlightID returns the tracked flight.
func (e *Engine) FlightID() string { return e.flightID }

// Start begins tracking unless the engine is already Active.
// If the broker subscription cannot be opened the engine stays where it
// was, the failure is recorded in the tracking state and returned.
func (e *Engine) Start() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.startLocked()
}

// Stop ends tracking if the engine is Active.
func (e *Engine) Stop() {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.stopLocked()
}

// Toggle stops an Active engine and starts any other.
func (e *Engine) Toggle() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.Status() == StatusActive {
		e.stopLocked()
		return nil
	}
	return e.startLocked()
}

// ClearHistory empties the history buffer; the tracking state is untouched.
func (e *Engine) ClearHistory() {
	e.mu.Lock()
	e.history.Clear()
	e.mu.Unlock()
}

// Close tears the engine down: the subscription and fallback are cancelled
// whatever the current state, history is cleared, and no callback fires
// afterwards. Close is idempotent.
func (e *Engine) Close() {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.deactivate()

	e.mu.Lock()
	e.status = StatusStopped
	e.history.Clear()
	e.mu.Unlock()

	e.logger.Debug("tracking engine closed")
}

// OnPositionReceived feeds a position into the engine as if it had been
// pushed by the broker for the current session. Positions arriving while
// the engine is not Active are discarded.
func (e *Engine) OnPositionReceived(pos telemetry.FlightPosition) {
	e.mu.RLock()
	session := e.session
	e.mu.RUnlock()
	e.deliver(session, pos)
}

// State returns a copy of the tracking state.
func (e *Engine) State() TrackingState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := e.state
	if st.LastUpdate != nil {
		t := *st.LastUpdate
		st.LastUpdate = &t
	}
	return st
}

// Status returns the lifecycle state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// CurrentPosition returns the last processed position, if any.
func (e *Engine) CurrentPosition() (telemetry.FlightPosition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return telemetry.FlightPosition{}, false
	}
	return *e.current, true
}

// History returns the buffered positions, oldest first.
func (e *Engine) History() []telemetry.FlightPosition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.history.Snapshot()
}

func (e *Engine) startLocked() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.status == StatusActive {
		e.mu.Unlock()
		return nil
	}
	e.session++
	session := e.session
	e.state = TrackingState{IsActive: true}
	e.current = nil
	e.lastPush = time.Time{}
	e.subscribing = true
	e.pending = nil
	e.mu.Unlock()

	var unsubscribe func()
	if e.opts.Subscriber != nil {
		var err error
		unsubscribe, err = e.opts.Subscriber.SubscribeToFlightUpdates(e.flightID, func(pos telemetry.FlightPosition) {
			e.deliver(session, pos)
		})
		if err != nil {
			err = fmt.Errorf("failed to subscribe: %w", err)
			e.mu.Lock()
			e.session++
			e.subscribing = false
			e.pending = nil
			e.state = TrackingState{Error: err.Error()}
			e.mu.Unlock()
			e.logger.Warn("tracking start failed", slog.Any("error", err))
			e.reportError(err)
			return err
		}
	}

	var cancel context.CancelFunc
	if e.opts.Prober != nil && e.opts.FallbackInterval > 0 {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		go e.fallbackLoop(ctx, session)
	}

	e.mu.Lock()
	e.status = StatusActive
	e.unsubscribe = unsubscribe
	e.cancelFallback = cancel
	e.subscribing = false
	early := e.pending
	e.pending = nil
	e.mu.Unlock()

	e.logger.Info("tracking started")
	if cb := e.opts.Callbacks.OnStarted; cb != nil {
		e.invoke("OnStarted", func() { cb(e.flightID) })
	}

	// Positions delivered while the subscription was being opened.
	for _, pos := range early {
		if !e.live(session) {
			break
		}
		e.process(pos, true)
	}
	return nil
}

func (e *Engine) stopLocked() {
	if e.Status() != StatusActive {
		return
	}
	e.deactivate()

	e.mu.Lock()
	e.status = StatusStopped
	e.mu.Unlock()

	e.logger.Info("tracking stopped")
	if cb := e.opts.Callbacks.OnStopped; cb != nil {
		e.invoke("OnStopped", func() { cb(e.flightID) })
	}
}

// deactivate cancels the subscription and the fallback task and bumps the
// session so anything still in flight is discarded on arrival.
func (e *Engine) deactivate() {
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	cancel := e.cancelFallback
	e.unsubscribe = nil
	e.cancelFallback = nil
	e.session++
	e.state.IsActive = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
}

// live reports whether deliveries for session should still be processed.
func (e *Engine) live(session uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed && e.status == StatusActive && e.session == session
}

func (e *Engine) deliver(session uint64, pos telemetry.FlightPosition) {
	// startLocked holds opMu while subscribing, so deliveries for the
	// session being opened are queued instead of waiting on it.
	e.mu.Lock()
	if e.subscribing && e.session == session {
		e.pending = append(e.pending, pos)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if !e.live(session) {
		e.logger.Debug("discarding position for inactive session")
		return
	}
	e.process(pos, true)
}

// process applies one position. Validation happens before any state is
// touched; the state, current position and history are then updated in a
// single critical section.
func (e *Engine) process(pos telemetry.FlightPosition, pushed bool) {
	if err := pos.Validate(); err != nil {
		e.fail(err)
		return
	}

	now := e.opts.Now().UTC()

	e.mu.Lock()
	previous := e.current
	cur := pos
	e.current = &cur
	e.state.IsActive = true
	e.state.LastUpdate = &now
	e.state.Error = ""
	e.state.UpdateCount++
	e.history.Append(pos)
	if pushed {
		e.lastPush = now
	}
	e.mu.Unlock()

	changes := Evaluate(previous, pos)
	for i := range changes {
		changes[i].FlightID = e.flightID
		e.logger.Info("significant change",
			slog.String("kind", string(changes[i].Kind)),
			slog.Float64("delta", changes[i].Delta))
		if cb := e.opts.Callbacks.OnChange; cb != nil {
			ev := changes[i]
			if err := e.invoke("OnChange", func() { cb(ev) }); err != nil {
				e.fail(err)
			}
		}
	}

	if cb := e.opts.Callbacks.OnPosition; cb != nil {
		if err := e.invoke("OnPosition", func() { cb(e.flightID, pos) }); err != nil {
			e.fail(err)
		}
	}

	if e.opts.Store != nil {
		if err := e.opts.Store.UpdatePosition(e.flightID, pos); err != nil {
			e.fail(fmt.Errorf("failed to update store: %w", err))
		}
	}
}

// fail records a processing error and reports it.
func (e *Engine) fail(err error) {
	perr := &ProcessingError{FlightID: e.flightID, Err: err}

	e.mu.Lock()
	e.state.Error = perr.Error()
	e.mu.Unlock()

	e.logger.Warn("position processing failed", slog.Any("error", err))
	e.reportError(perr)
}

func (e *Engine) reportError(err error) {
	if cb := e.opts.Callbacks.OnError; cb != nil {
		if perr := e.invoke("OnError", func() { cb(e.flightID, err) }); perr != nil {
			e.logger.Error("error callback failed", slog.Any("error", perr))
		}
	}
}

// invoke runs a caller-supplied callback, converting a panic into an error.
func (e *Engine) invoke(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s callback panicked: %v", name, r)
		}
	}()
	fn()
	return nil
}

func (e *Engine) fallbackLoop(ctx context.Context, session uint64) {
	interval := e.opts.FallbackInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.probe(ctx, session, interval)
		}
	}
}

// probe asks the Prober for the latest position when nothing has been
// pushed for a full interval. A newer position is processed like a pushed
// one; failures are reported but leave the tracking state alone.
func (e *Engine) probe(ctx context.Context, session uint64, interval time.Duration) {
	e.mu.RLock()
	lastPush := e.lastPush
	e.mu.RUnlock()

	if !lastPush.IsZero() && e.opts.Now().Sub(lastPush) < interval {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, e.opts.ProbeTimeout)
	pos, err := e.opts.Prober.LatestPosition(pctx, e.flightID)
	cancel()
	if ctx.Err() != nil {
		return
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if !e.live(session) {
		return
	}
	if err != nil {
		e.logger.Warn("liveness probe failed", slog.Any("error", err))
		e.reportError(fmt.Errorf("%w: %w", ErrProbeFailed, err))
		return
	}

	if cur, ok := e.CurrentPosition(); ok && !pos.Newer(cur) {
		return
	}
	e.logger.Debug("position recovered by liveness probe")
	e.process(pos, false)
}
