package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/unklstewy/flightwatch/pkg/telemetry"
	"github.com/unklstewy/flightwatch/pkg/tracking"
)

type fakePrefs struct {
	mu     sync.Mutex
	calls  []string
	failOn string
}

func (f *fakePrefs) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.failOn != "" && strings.HasPrefix(call, f.failOn) {
		return errors.New("database unavailable")
	}
	return nil
}

func (f *fakePrefs) Add(_ context.Context, id, label string) error {
	return f.record("add " + id)
}

func (f *fakePrefs) Remove(_ context.Context, id string) error {
	return f.record("remove " + id)
}

func (f *fakePrefs) SetActive(_ context.Context, id string, active bool) error {
	if active {
		return f.record("activate " + id)
	}
	return f.record("deactivate " + id)
}

func testTracker() *tracking.Tracker {
	return tracking.NewTracker(tracking.Options{
		FallbackInterval: -1,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// runCmd executes cmd and any batched commands, returning their messages.
func runCmd(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, runCmd(c)...)
		}
		return out
	}
	if msg == nil {
		return nil
	}
	return []tea.Msg{msg}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "backspace":
		return tea.KeyMsg{Type: tea.KeyBackspace}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(model), cmd
}

func connectedModel(t *testing.T, tracker *tracking.Tracker, prefs preferences, flights ...string) model {
	t.Helper()
	m := newModel(tracker, tracking.NewMemoryStore(), prefs, nil).withFlights(flights, nil)
	m, cmd := update(t, m, connectedMsg{})
	for _, msg := range runCmd(cmd) {
		if done, ok := msg.(opDoneMsg); ok && done.err != nil {
			t.Fatalf("Tracking %s failed: %v", done.flightID, done.err)
		}
	}
	return m
}

func TestNormalizeFlights(t *testing.T) {
	got := normalizeFlights([]string{" aa100", "UA200", "", "AA100 ", "dl300"})
	want := []string{"AA100", "UA200", "DL300"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestLastLeg(t *testing.T) {
	now := time.Now()
	history := []telemetry.FlightPosition{
		{Latitude: 0, Longitude: 0, Timestamp: now},
		{Latitude: 0, Longitude: 1, Timestamp: now.Add(time.Minute)},
	}

	dist, brg, ok := lastLeg(history)
	if !ok {
		t.Fatal("Expected a leg for two samples")
	}
	// One degree of longitude on the equator is ~60 NM
	if math.Abs(dist-60.04) > 0.1 {
		t.Errorf("Expected ~60.04 NM, got %.2f", dist)
	}
	if math.Abs(brg-90) > 0.01 {
		t.Errorf("Expected bearing 90, got %.2f", brg)
	}

	if _, _, ok := lastLeg(history[:1]); ok {
		t.Error("Expected no leg for a single sample")
	}
}

func TestConnectStartsFlights(t *testing.T) {
	tracker := testTracker()
	defer tracker.Close()

	m := newModel(tracker, nil, nil, nil).
		withFlights([]string{"AA100", "UA200"}, map[string]bool{"AA100": true})
	if len(m.flights) != 2 || len(m.startup) != 1 {
		t.Fatalf("Expected 2 flights and 1 startup, got %v / %v", m.flights, m.startup)
	}

	m, cmd := update(t, m, connectedMsg{})
	runCmd(cmd)

	if !m.connected {
		t.Error("Expected model to be connected")
	}
	if e := tracker.Engine("AA100"); e == nil || e.Status() != tracking.StatusActive {
		t.Error("Expected AA100 to be tracked")
	}
	if tracker.Engine("UA200") != nil {
		t.Error("Expected inactive UA200 not to be started")
	}
	if !strings.Contains(m.View(), "pending") {
		t.Error("Expected UA200 to render as pending")
	}
}

func TestConnectFailure(t *testing.T) {
	m := newModel(testTracker(), nil, nil, nil).withFlights([]string{"AA100"}, nil)
	m, _ = update(t, m, connectedMsg{err: errors.New("dial refused")})

	if m.connected {
		t.Error("Expected model to stay disconnected")
	}
	if !strings.Contains(m.status, "dial refused") {
		t.Errorf("Expected failure in status, got %q", m.status)
	}
	if len(m.startup) != 1 {
		t.Error("Expected startup flights to be kept")
	}
}

func TestToggleSelectedFlight(t *testing.T) {
	tracker := testTracker()
	defer tracker.Close()
	prefs := &fakePrefs{}
	m := connectedModel(t, tracker, prefs, "AA100", "UA200")

	m, _ = update(t, m, key("down"))
	if m.selected != 1 {
		t.Fatalf("Expected selection 1, got %d", m.selected)
	}

	m, cmd := update(t, m, key("enter"))
	msgs := runCmd(cmd)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %v", msgs)
	}
	done := msgs[0].(opDoneMsg)
	if done.action != "Stopped" || done.flightID != "UA200" || done.err != nil {
		t.Errorf("Unexpected result: %+v", done)
	}
	if tracker.Engine("UA200").Status() != tracking.StatusStopped {
		t.Error("Expected UA200 to be stopped")
	}
	if tracker.Engine("AA100").Status() != tracking.StatusActive {
		t.Error("Expected AA100 to stay active")
	}

	_, cmd = update(t, m, key("enter"))
	runCmd(cmd)
	if tracker.Engine("UA200").Status() != tracking.StatusActive {
		t.Error("Expected UA200 to be active again")
	}

	want := []string{"deactivate UA200", "activate UA200"}
	if strings.Join(prefs.calls, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, prefs.calls)
	}
}

func TestAddFlight(t *testing.T) {
	tracker := testTracker()
	defer tracker.Close()
	prefs := &fakePrefs{}
	m := connectedModel(t, tracker, prefs, "AA100")

	m, _ = update(t, m, key("a"))
	if !m.inputMode {
		t.Fatal("Expected input mode")
	}
	for _, k := range []string{"u", "a", "9", "x", "backspace", "9"} {
		m, _ = update(t, m, key(k))
	}
	if m.input != "ua99" {
		t.Errorf("Expected input ua99, got %q", m.input)
	}

	m, cmd := update(t, m, key("enter"))
	runCmd(cmd)

	if m.inputMode {
		t.Error("Expected input mode to end")
	}
	if len(m.flights) != 2 || m.flights[1] != "UA99" || m.selected != 1 {
		t.Errorf("Unexpected flights %v selected %d", m.flights, m.selected)
	}
	if e := tracker.Engine("UA99"); e == nil || e.Status() != tracking.StatusActive {
		t.Error("Expected UA99 to be tracked")
	}
	if len(prefs.calls) != 1 || prefs.calls[0] != "add UA99" {
		t.Errorf("Expected add UA99, got %v", prefs.calls)
	}

	// Adding a duplicate is refused
	m, _ = update(t, m, key("a"))
	m, _ = update(t, m, key("A"))
	m, _ = update(t, m, key("A"))
	m, _ = update(t, m, key("1"))
	m, _ = update(t, m, key("0"))
	m, _ = update(t, m, key("0"))
	m, cmd = update(t, m, key("enter"))
	if cmd != nil || len(m.flights) != 2 {
		t.Errorf("Expected duplicate to be ignored, flights %v", m.flights)
	}
}

func TestAddFlightCancelled(t *testing.T) {
	m := newModel(testTracker(), nil, nil, nil)
	m, _ = update(t, m, key("a"))
	m, _ = update(t, m, key("x"))
	m, _ = update(t, m, key("esc"))
	if m.inputMode || m.input != "" || len(m.flights) != 0 {
		t.Errorf("Expected cancelled input, got %+v", m)
	}
}

func TestDropFlight(t *testing.T) {
	tracker := testTracker()
	defer tracker.Close()
	prefs := &fakePrefs{failOn: "remove"}
	m := connectedModel(t, tracker, prefs, "AA100", "UA200")

	m, _ = update(t, m, key("down"))
	m, cmd := update(t, m, key("d"))
	msgs := runCmd(cmd)

	if len(m.flights) != 1 || m.flights[0] != "AA100" {
		t.Errorf("Expected [AA100], got %v", m.flights)
	}
	if m.selected != 0 {
		t.Errorf("Expected selection to move up, got %d", m.selected)
	}
	if tracker.Engine("UA200") != nil {
		t.Error("Expected UA200 engine to be removed")
	}

	var saveErr bool
	for _, msg := range msgs {
		if done, ok := msg.(opDoneMsg); ok && done.err != nil {
			saveErr = true
			m, _ = update(t, m, done)
		}
	}
	if !saveErr {
		t.Fatal("Expected persistence failure to be reported")
	}
	if !strings.Contains(m.status, "database unavailable") {
		t.Errorf("Expected failure in status, got %q", m.status)
	}
}

func TestClearHistory(t *testing.T) {
	tracker := testTracker()
	defer tracker.Close()
	m := connectedModel(t, tracker, nil, "AA100")

	e := tracker.Engine("AA100")
	e.OnPositionReceived(telemetry.FlightPosition{Latitude: 40, Longitude: -73, Altitude: 30000, Speed: 450, Heading: 90, Timestamp: time.Now()})
	if len(e.History()) != 1 {
		t.Fatalf("Expected 1 history entry, got %d", len(e.History()))
	}

	_, cmd := update(t, m, key("c"))
	runCmd(cmd)
	if len(e.History()) != 0 {
		t.Errorf("Expected empty history, got %d", len(e.History()))
	}
	if e.State().UpdateCount != 1 {
		t.Errorf("Expected update count to survive, got %d", e.State().UpdateCount)
	}
}

func TestViewShowsLastLeg(t *testing.T) {
	tracker := testTracker()
	defer tracker.Close()
	m := connectedModel(t, tracker, nil, "AA100")

	now := time.Now()
	e := tracker.Engine("AA100")
	e.OnPositionReceived(telemetry.FlightPosition{Latitude: 0, Longitude: 0, Altitude: 30000, Speed: 450, Heading: 90, Timestamp: now})
	e.OnPositionReceived(telemetry.FlightPosition{Latitude: 0, Longitude: 1, Altitude: 34000, Speed: 450, Heading: 90, Timestamp: now.Add(time.Minute)})

	view := m.View()
	for _, want := range []string{"AA100", "active", "60.0 NM @ 090°", "34000"} {
		if !strings.Contains(view, want) {
			t.Errorf("Expected %q in view:\n%s", want, view)
		}
	}
}

func TestEventsAreCapped(t *testing.T) {
	m := newModel(testTracker(), nil, nil, nil)
	now := time.Now()
	for i := 0; i < maxEvents+5; i++ {
		m, _ = update(t, m, changeMsg(tracking.ChangeEvent{
			Kind:     tracking.ChangeAltitude,
			FlightID: "AA100",
			Previous: telemetry.FlightPosition{Altitude: 30000, Timestamp: now},
			Current:  telemetry.FlightPosition{Altitude: 34000, Timestamp: now},
			Delta:    4000,
		}))
	}
	if len(m.events) != maxEvents {
		t.Errorf("Expected %d events, got %d", maxEvents, len(m.events))
	}
	if !strings.Contains(m.events[0], "altitude +4000 ft") {
		t.Errorf("Unexpected event text %q", m.events[0])
	}
}

func TestQuit(t *testing.T) {
	m := newModel(testTracker(), nil, nil, nil)
	_, cmd := update(t, m, key("q"))
	if cmd == nil {
		t.Fatal("Expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("Expected QuitMsg")
	}
}
