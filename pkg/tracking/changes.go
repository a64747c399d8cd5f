package tracking

import (
	"math"

	"github.com/unklstewy/flightwatch/pkg/coordinates"
	"github.com/unklstewy/flightwatch/pkg/telemetry"
)

const (
	// AltitudeChangeThreshold is compared directly against the raw
	// altitude field (feet). 3280 ft is ~1 km; the value is kept as-is
	// even though display paths convert altitude to meters.
	AltitudeChangeThreshold = 3280.0

	// SpeedChangeThresholdKmh is the ground speed delta, in km/h, above
	// which a speed change is reported.
	SpeedChangeThresholdKmh = 50.0
)

// ChangeKind classifies a significant change.
type ChangeKind string

const (
	ChangeAltitude ChangeKind = "altitude"
	ChangeSpeed    ChangeKind = "speed"
)

// ChangeEvent describes one significant change between two consecutive
// positions of a flight.
type ChangeEvent struct {
	Kind     ChangeKind
	FlightID string
	Previous telemetry.FlightPosition
	Current  telemetry.FlightPosition

	// Delta is current minus previous: feet for altitude, km/h for speed
	Delta float64
}

// Evaluate compares two consecutive positions and returns the significant
// changes between them. Rules are independent, so both an altitude and a
// speed event may be returned. A nil previous position (first sample of a
// flight) never produces events. Evaluate only classifies; delivering the
// events is up to the caller.
func Evaluate(previous *telemetry.FlightPosition, current telemetry.FlightPosition) []ChangeEvent {
	if previous == nil {
		return nil
	}

	var events []ChangeEvent

	altDelta := current.Altitude - previous.Altitude
	if math.Abs(altDelta) > AltitudeChangeThreshold {
		events = append(events, ChangeEvent{
			Kind:     ChangeAltitude,
			Previous: *previous,
			Current:  current,
			Delta:    altDelta,
		})
	}

	speedDeltaKmh := (current.Speed - previous.Speed) * coordinates.KnotsToKmh
	if math.Abs(speedDeltaKmh) > SpeedChangeThresholdKmh {
		events = append(events, ChangeEvent{
			Kind:     ChangeSpeed,
			Previous: *previous,
			Current:  current,
			Delta:    speedDeltaKmh,
		})
	}

	return events
}
