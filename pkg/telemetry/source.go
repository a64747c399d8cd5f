package telemetry

import (
	"context"
	"time"
)

// Source is the interface every telemetry provider must implement.
// The broker's generator asks the source for one sample per active flight
// on each tick; swapping the synthetic Simulator for a real upstream feed
// does not change the broker's contract.
type Source interface {
	// Sample returns the position of flightID as of now.
	Sample(ctx context.Context, flightID string, now time.Time) (FlightPosition, error)
}

// Forgetter is implemented by sources that keep per-flight state and want
// to release it when nobody is subscribed to the flight any more.
type Forgetter interface {
	Forget(flightID string)
}
