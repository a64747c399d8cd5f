package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unklstewy/flightwatch/pkg/telemetry"
)

// scriptedSource returns canned samples and remembers what it forgot.
type scriptedSource struct {
	mu      sync.Mutex
	samples map[string]telemetry.FlightPosition
	fail    map[string]bool
	forgot  []string
	calls   int
}

func (s *scriptedSource) Sample(ctx context.Context, flightID string, now time.Time) (telemetry.FlightPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail[flightID] {
		return telemetry.FlightPosition{}, errors.New("upstream unavailable")
	}
	if p, ok := s.samples[flightID]; ok {
		return p, nil
	}
	p := samplePosition()
	p.Timestamp = now
	return p, nil
}

func (s *scriptedSource) Forget(flightID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgot = append(s.forgot, flightID)
}

func TestGeneratorTick(t *testing.T) {
	b := newTestBroker(t)
	a := newFakeConn("a")
	c := newFakeConn("c")
	_ = b.Subscribe(a, "AA100")
	_ = b.Subscribe(c, "UA200")
	_ = b.Subscribe(c, "BAD")

	invalid := samplePosition()
	invalid.Latitude = 123
	src := &scriptedSource{
		samples: map[string]telemetry.FlightPosition{"BAD": invalid},
		fail:    map[string]bool{"UA200": true},
	}
	g := NewGenerator(b, src, GeneratorConfig{Logger: quietLogger()})

	g.Tick(context.Background())

	if n := len(a.events(telemetry.EventPositionUpdate)); n != 1 {
		t.Errorf("Expected AA100 to be published once, got %d", n)
	}
	if n := len(c.events(telemetry.EventPositionUpdate)); n != 0 {
		t.Errorf("Expected failed and invalid samples to be skipped, got %d updates", n)
	}
	if src.calls != 3 {
		t.Errorf("Expected 3 samples, got %d", src.calls)
	}
}

func TestGeneratorForgetsIdleFlights(t *testing.T) {
	b := newTestBroker(t)
	conn := newFakeConn("c1")
	_ = b.Subscribe(conn, "AA100")
	_ = b.Subscribe(conn, "UA200")

	src := &scriptedSource{}
	g := NewGenerator(b, src, GeneratorConfig{Logger: quietLogger()})

	g.Tick(context.Background())
	_ = b.Unsubscribe(conn, "UA200")
	g.Tick(context.Background())
	g.Tick(context.Background())

	if len(src.forgot) != 1 || src.forgot[0] != "UA200" {
		t.Errorf("Expected UA200 to be forgotten once, got %v", src.forgot)
	}
}

func TestGeneratorRun(t *testing.T) {
	b := newTestBroker(t)
	conn := newFakeConn("c1")
	_ = b.Subscribe(conn, "AA100")

	sim := telemetry.NewSimulator(telemetry.SimulatorConfig{CenterLat: 40.6, CenterLon: -73.8, Seed: 7})
	g := NewGenerator(b, sim, GeneratorConfig{Interval: 10 * time.Millisecond, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.events(telemetry.EventPositionUpdate)) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil from Run, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	updates := conn.events(telemetry.EventPositionUpdate)
	if len(updates) < 3 {
		t.Fatalf("Expected at least 3 updates, got %d", len(updates))
	}
	for _, env := range updates {
		upd, err := telemetry.DecodePositionUpdate(env)
		if err != nil {
			t.Fatalf("DecodePositionUpdate failed: %v", err)
		}
		if err := upd.Position.Validate(); err != nil {
			t.Errorf("Simulator produced invalid position: %v", err)
		}
	}
}
