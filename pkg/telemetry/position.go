// Package telemetry defines the aircraft position sample that flows from the
// broker to every tracking client, the wire events that carry it, and the
// sources that produce it.
package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// FlightPosition is a single immutable position sample for one flight.
// Values are passed by copy; nothing downstream edits a sample in place.
type FlightPosition struct {
	// Latitude in decimal degrees (-90 to +90)
	Latitude float64 `json:"latitude" validate:"gte=-90,lte=90"`

	// Longitude in decimal degrees (-180 to +180)
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`

	// Altitude in feet above mean sea level (MSL).
	// Expected to be >= 0 but not enforced; ground stations report slightly negative values.
	Altitude float64 `json:"altitude"`

	// Speed is ground speed in knots
	Speed float64 `json:"speed" validate:"gte=0"`

	// Heading is the compass track in degrees (0-360)
	// 0 = North, 90 = East, 180 = South, 270 = West
	Heading float64 `json:"heading" validate:"gte=0,lte=360"`

	// Timestamp is when the sample was taken (UTC)
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator instance used for positions and
// wire requests.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate reports whether the sample is within the documented ranges.
func (p FlightPosition) Validate() error {
	if err := Validator().Struct(p); err != nil {
		return fmt.Errorf("invalid position: %w", err)
	}
	return nil
}

// Newer reports whether p was sampled strictly after other.
func (p FlightPosition) Newer(other FlightPosition) bool {
	return p.Timestamp.After(other.Timestamp)
}
