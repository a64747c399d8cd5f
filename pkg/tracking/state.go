package tracking

import "time"

// TrackingState is the per-flight status exposed to callers.
// It is reset to the zero value every time tracking (re)starts.
type TrackingState struct {
	IsActive bool `json:"isActive"`

	// LastUpdate is when the last position was processed; nil until the first one
	LastUpdate *time.Time `json:"lastUpdate"`

	// Error is the message of the last processing failure; empty when none
	Error string `json:"error,omitempty"`

	// UpdateCount counts positions processed since tracking started
	UpdateCount uint64 `json:"updateCount"`
}

// Status is the lifecycle state of an Engine.
type Status int

const (
	StatusIdle Status = iota
	StatusActive
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusActive:
		return "active"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
