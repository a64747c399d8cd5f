package telemetry

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/unklstewy/flightwatch/pkg/coordinates"
)

// SimulatorConfig configures the synthetic telemetry source.
type SimulatorConfig struct {
	// CenterLat/CenterLon is the middle of the area new flights appear in
	CenterLat float64
	CenterLon float64

	// RadiusNM bounds how far from the center a new flight may start
	RadiusNM float64

	// StepClimbChance is the per-sample probability of a 4000 ft step
	// climb or descent (0 disables them)
	StepClimbChance float64

	// Seed makes the generated traffic reproducible; 0 picks a random seed
	Seed uint64
}

// Simulator synthesizes plausible cruise traffic by dead-reckoning each
// flight from its previous sample. It stands in for a real upstream feed.
type Simulator struct {
	cfg SimulatorConfig

	mu      sync.Mutex
	rng     *rand.Rand
	flights map[string]FlightPosition
}

// NewSimulator creates a simulator. Zero fields fall back to defaults.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.RadiusNM <= 0 {
		cfg.RadiusNM = 150
	}
	if cfg.StepClimbChance < 0 {
		cfg.StepClimbChance = 0
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Simulator{
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		flights: make(map[string]FlightPosition),
	}
}

// Sample advances flightID to now and returns its new position.
// The first call for a flight places it somewhere inside the configured area.
func (s *Simulator) Sample(ctx context.Context, flightID string, now time.Time) (FlightPosition, error) {
	if err := ctx.Err(); err != nil {
		return FlightPosition{}, err
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.flights[flightID]
	var next FlightPosition
	if !ok {
		next = s.spawn(flightID, now)
	} else {
		next = s.advance(prev, now)
	}
	s.flights[flightID] = next
	return next, nil
}

// Forget drops the state kept for flightID.
func (s *Simulator) Forget(flightID string) {
	s.mu.Lock()
	delete(s.flights, flightID)
	s.mu.Unlock()
}

// Len returns the number of flights currently simulated.
func (s *Simulator) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flights)
}

func (s *Simulator) spawn(flightID string, now time.Time) FlightPosition {
	// Spread flights deterministically by id so a restarted broker puts
	// the same flight in roughly the same place.
	h := fnv.New64a()
	_, _ = h.Write([]byte(flightID))
	local := rand.New(rand.NewPCG(h.Sum64(), s.cfg.Seed))

	brg := local.Float64() * 360
	dist := local.Float64() * s.cfg.RadiusNM * coordinates.KmPerNauticalMile
	lat, lon := coordinates.Destination(s.cfg.CenterLat, s.cfg.CenterLon, brg, dist)

	return FlightPosition{
		Latitude:  clamp(lat, -90, 90),
		Longitude: lon,
		Altitude:  math.Round(20000 + local.Float64()*20000),
		Speed:     math.Round(300 + local.Float64()*250),
		Heading:   math.Round(local.Float64()*3600) / 10,
		Timestamp: now,
	}
}

func (s *Simulator) advance(prev FlightPosition, now time.Time) FlightPosition {
	hours := now.Sub(prev.Timestamp).Hours()
	if hours < 0 {
		hours = 0
	}

	// Dead-reckon along the current heading at the current ground speed
	distKm := prev.Speed * coordinates.KnotsToKmh * hours
	lat, lon := coordinates.Destination(prev.Latitude, prev.Longitude, prev.Heading, distKm)

	heading := coordinates.NormalizeAzimuth(prev.Heading + (s.rng.Float64()-0.5)*6)
	speed := clamp(prev.Speed+(s.rng.Float64()-0.5)*10, 120, 600)
	altitude := prev.Altitude + (s.rng.Float64()-0.5)*200

	if s.cfg.StepClimbChance > 0 && s.rng.Float64() < s.cfg.StepClimbChance {
		if altitude > 30000 {
			altitude -= 4000
		} else {
			altitude += 4000
		}
	}

	return FlightPosition{
		Latitude:  clamp(lat, -90, 90),
		Longitude: lon,
		Altitude:  math.Round(clamp(altitude, 1000, 45000)),
		Speed:     math.Round(speed*10) / 10,
		Heading:   math.Round(heading*10) / 10,
		Timestamp: now,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
