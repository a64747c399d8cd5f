package tracking

import (
	"sort"
	"sync"
)

// Tracker owns one Engine per tracked flight. All engines share the same
// options (subscriber, prober, store, callbacks) and run independently.
type Tracker struct {
	opts Options

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewTracker creates a tracker whose engines are built from opts.
func NewTracker(opts Options) *Tracker {
	return &Tracker{
		opts:    opts,
		engines: make(map[string]*Engine),
	}
}

// Track returns the engine for flightID, creating and starting it if
// needed. Tracking an already-active flight is a no-op.
func (t *Tracker) Track(flightID string) (*Engine, error) {
	e := t.engine(flightID, true)
	return e, e.Start()
}

// Stop stops tracking flightID but keeps its engine and history.
func (t *Tracker) Stop(flightID string) {
	if e := t.Engine(flightID); e != nil {
		e.Stop()
	}
}

// Toggle flips tracking for flightID, creating the engine on first use.
func (t *Tracker) Toggle(flightID string) error {
	return t.engine(flightID, true).Toggle()
}

// Untrack tears down and forgets the engine for flightID.
func (t *Tracker) Untrack(flightID string) {
	t.mu.Lock()
	e, ok := t.engines[flightID]
	delete(t.engines, flightID)
	t.mu.Unlock()

	if ok {
		e.Close()
	}
}

// Engine returns the engine for flightID, or nil.
func (t *Tracker) Engine(flightID string) *Engine {
	return t.engine(flightID, false)
}

// Flights returns the known flight ids in sorted order.
func (t *Tracker) Flights() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.engines))
	for id := range t.engines {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Close tears down every engine.
func (t *Tracker) Close() {
	t.mu.Lock()
	engines := t.engines
	t.engines = make(map[string]*Engine)
	t.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
}

func (t *Tracker) engine(flightID string, create bool) *Engine {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.engines[flightID]
	if !ok && create {
		e = NewEngine(flightID, t.opts)
		t.engines[flightID] = e
	}
	return e
}
