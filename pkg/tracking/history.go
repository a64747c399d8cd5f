package tracking

import (
	"sync"

	"github.com/unklstewy/flightwatch/pkg/telemetry"
)

// DefaultHistoryCapacity is the number of positions kept per tracked flight.
const DefaultHistoryCapacity = 100

// History is a bounded, arrival-ordered buffer of positions for one flight.
// When full, appending evicts the oldest entry.
type History struct {
	mu        sync.RWMutex
	capacity  int
	positions []telemetry.FlightPosition
}

// NewHistory creates a history buffer. A non-positive capacity uses
// DefaultHistoryCapacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{
		capacity:  capacity,
		positions: make([]telemetry.FlightPosition, 0, capacity),
	}
}

// Append adds pos at the end, dropping from the front until the buffer is
// back within capacity.
func (h *History) Append(pos telemetry.FlightPosition) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.positions) >= h.capacity {
		n := len(h.positions) - h.capacity + 1
		copy(h.positions, h.positions[n:])
		h.positions = h.positions[:len(h.positions)-n]
	}
	h.positions = append(h.positions, pos)
}

// Snapshot returns a copy of the buffer, oldest first.
func (h *History) Snapshot() []telemetry.FlightPosition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]telemetry.FlightPosition, len(h.positions))
	copy(out, h.positions)
	return out
}

// Last returns the most recent position, if any.
func (h *History) Last() (telemetry.FlightPosition, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.positions) == 0 {
		return telemetry.FlightPosition{}, false
	}
	return h.positions[len(h.positions)-1], true
}

// Len returns the number of buffered positions.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.positions)
}

// Capacity returns the maximum number of buffered positions.
func (h *History) Capacity() int {
	return h.capacity
}

// Clear empties the buffer.
func (h *History) Clear() {
	h.mu.Lock()
	h.positions = h.positions[:0]
	h.mu.Unlock()
}
