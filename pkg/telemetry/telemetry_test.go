package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/unklstewy/flightwatch/pkg/coordinates"
)

func samplePosition() FlightPosition {
	return FlightPosition{
		Latitude:  40.6413,
		Longitude: -73.7781,
		Altitude:  35000,
		Speed:     480,
		Heading:   270,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

// TestFlightPositionValidate covers the range checks.
func TestFlightPositionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *FlightPosition)
		wantErr bool
	}{
		{"Valid sample", func(p *FlightPosition) {}, false},
		{"Negative altitude allowed", func(p *FlightPosition) { p.Altitude = -50 }, false},
		{"Heading 360 allowed", func(p *FlightPosition) { p.Heading = 360 }, false},
		{"Latitude too large", func(p *FlightPosition) { p.Latitude = 91 }, true},
		{"Longitude too small", func(p *FlightPosition) { p.Longitude = -181 }, true},
		{"Negative speed", func(p *FlightPosition) { p.Speed = -1 }, true},
		{"Heading out of range", func(p *FlightPosition) { p.Heading = 361 }, true},
		{"Missing timestamp", func(p *FlightPosition) { p.Timestamp = time.Time{} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := samplePosition()
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestDecodeFlightRequest tests request parsing and rejection of bad payloads.
func TestDecodeFlightRequest(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr error
	}{
		{"Valid request", `{"flightId":"AA100"}`, "AA100", nil},
		{"Whitespace kept", `{"flightId":" UA9"}`, " UA9", nil},
		{"Missing flight id", `{}`, "", ErrMissingFlightID},
		{"Blank flight id", `{"flightId":"   "}`, "", ErrMissingFlightID},
		{"No payload", ``, "", ErrMissingFlightID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{Event: EventSubscribeFlight}
			if tt.data != "" {
				env.Data = json.RawMessage(tt.data)
			}
			req, err := DecodeFlightRequest(env)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if req.FlightID != tt.want {
				t.Errorf("Expected flight id %q, got %q", tt.want, req.FlightID)
			}
		})
	}

	t.Run("Wrong payload type", func(t *testing.T) {
		env := Envelope{Event: EventSubscribeFlight, Data: json.RawMessage(`"AA100"`)}
		if _, err := DecodeFlightRequest(env); err == nil {
			t.Error("Expected error for non-object payload")
		}
	})
}

// TestDecodeEnvelope tests frame parsing.
func TestDecodeEnvelope(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`not json`)); err == nil {
		t.Error("Expected error for garbage frame")
	}
	if _, err := DecodeEnvelope([]byte(`{"data":{}}`)); err == nil {
		t.Error("Expected error for frame without event")
	}

	env, err := DecodeEnvelope([]byte(`{"event":"subscribe_flight","data":{"flightId":"AA100"}}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if env.Event != EventSubscribeFlight {
		t.Errorf("Expected event %s, got %s", EventSubscribeFlight, env.Event)
	}
}

// TestPositionUpdateWireFormat pins the JSON field names clients depend on.
func TestPositionUpdateWireFormat(t *testing.T) {
	env, err := Encode(EventPositionUpdate, PositionUpdate{
		FlightID:  "AA100",
		Position:  samplePosition(),
		Timestamp: time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(env.Data, &generic); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	for _, key := range []string{"flightId", "position", "timestamp"} {
		if _, ok := generic[key]; !ok {
			t.Errorf("Missing key %q in %s", key, env.Data)
		}
	}
	pos, _ := generic["position"].(map[string]any)
	for _, key := range []string{"latitude", "longitude", "altitude", "speed", "heading", "timestamp"} {
		if _, ok := pos[key]; !ok {
			t.Errorf("Missing position key %q", key)
		}
	}

	upd, err := DecodePositionUpdate(env)
	if err != nil {
		t.Fatalf("DecodePositionUpdate failed: %v", err)
	}
	if upd.Position.Altitude != 35000 || upd.FlightID != "AA100" {
		t.Errorf("Unexpected decoded update: %+v", upd)
	}
}

// TestSimulatorDeadReckoning verifies samples move consistently with speed.
func TestSimulatorDeadReckoning(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{CenterLat: 40, CenterLon: -74, RadiusNM: 50, Seed: 42})
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first, err := sim.Sample(ctx, "AA100", t0)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if err := first.Validate(); err != nil {
		t.Fatalf("First sample invalid: %v", err)
	}
	if d := coordinates.DistanceNauticalMiles(40, -74, first.Latitude, first.Longitude); d > 50.01 {
		t.Errorf("Spawned %.2f nm from center, radius is 50", d)
	}

	second, err := sim.Sample(ctx, "AA100", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if err := second.Validate(); err != nil {
		t.Fatalf("Second sample invalid: %v", err)
	}

	moved := coordinates.DistanceKm(first.Latitude, first.Longitude, second.Latitude, second.Longitude)
	expected := first.Speed * coordinates.KnotsToKmh / 60
	if math.Abs(moved-expected) > 0.01 {
		t.Errorf("Expected to move %.3f km in one minute, moved %.3f", expected, moved)
	}
	if !second.Newer(first) {
		t.Error("Second sample should be newer than the first")
	}
}

// TestSimulatorForget verifies per-flight state is released.
func TestSimulatorForget(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{Seed: 7})
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"AA100", "BA200", "LH300"} {
		if _, err := sim.Sample(ctx, id, now); err != nil {
			t.Fatalf("Sample(%s) failed: %v", id, err)
		}
	}
	if sim.Len() != 3 {
		t.Fatalf("Expected 3 simulated flights, got %d", sim.Len())
	}

	sim.Forget("BA200")
	if sim.Len() != 2 {
		t.Errorf("Expected 2 simulated flights after Forget, got %d", sim.Len())
	}
}

// TestSimulatorSpawnIsStable verifies the same id spawns in the same place.
func TestSimulatorSpawnIsStable(t *testing.T) {
	now := time.Now()
	a, _ := NewSimulator(SimulatorConfig{Seed: 1}).Sample(context.Background(), "DL55", now)
	b, _ := NewSimulator(SimulatorConfig{Seed: 1}).Sample(context.Background(), "DL55", now)
	if a.Latitude != b.Latitude || a.Longitude != b.Longitude || a.Altitude != b.Altitude {
		t.Errorf("Expected identical spawn, got %+v and %+v", a, b)
	}
}

// TestSimulatorCancelledContext verifies Sample honours cancellation.
func TestSimulatorCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSimulator(SimulatorConfig{}).Sample(ctx, "AA100", time.Now()); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
