package main

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rivo/tview"

	"github.com/unklstewy/flightwatch/pkg/telemetry"
	"github.com/unklstewy/flightwatch/pkg/tracking"
)

// newTestConsole returns a console whose UI updates run inline.
func newTestConsole(t *testing.T) (*Console, *tracking.Engine) {
	t.Helper()
	c := NewConsole("AA100")
	c.queue = func(f func()) { f() }

	e := tracking.NewEngine("AA100", tracking.Options{
		Callbacks:        c.Callbacks(),
		FallbackInterval: -1,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(e.Close)
	c.Attach(e)
	return c, e
}

func sample(lat, alt, speed float64, at time.Time) telemetry.FlightPosition {
	return telemetry.FlightPosition{Latitude: lat, Longitude: -73.78, Altitude: alt, Speed: speed, Heading: 45, Timestamp: at}
}

func TestPickFlight(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		configured []string
		want       string
		wantErr    bool
	}{
		{name: "Argument", args: []string{"aa100"}, want: "AA100"},
		{name: "Configured fallback", configured: []string{"ua200", "dl300"}, want: "UA200"},
		{name: "Argument wins", args: []string{"DL300"}, configured: []string{"UA200"}, want: "DL300"},
		{name: "Too many", args: []string{"AA100", "UA200"}, wantErr: true},
		{name: "None", wantErr: true},
		{name: "Blank", args: []string{"  "}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickFlight(tt.args, tt.configured)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestEventLogKeepsNewest(t *testing.T) {
	l := NewEventLog(3)
	for i := 0; i < 5; i++ {
		l.Add(SeverityInfo, "line %d", i)
	}

	lines := l.Lines()
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d", len(lines))
	}
	if lines[0].Message != "line 2" || lines[2].Message != "line 4" {
		t.Errorf("Unexpected lines: %+v", lines)
	}
}

func TestConsoleFollowsEngine(t *testing.T) {
	c, e := newTestConsole(t)
	now := time.Now()

	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	e.OnPositionReceived(sample(40.0, 30000, 450, now))
	e.OnPositionReceived(sample(40.1, 34000, 450, now.Add(5*time.Second)))

	// Header plus two samples, newest first
	if rows := c.history.GetRowCount(); rows != 3 {
		t.Fatalf("Expected 3 rows, got %d", rows)
	}
	if got := c.history.GetCell(1, 3).Text; got != "34000" {
		t.Errorf("Expected newest altitude first, got %s", got)
	}

	var changes int
	for _, l := range c.events.Lines() {
		if l.Severity == SeverityChange {
			changes++
			if !strings.Contains(l.Message, "altitude +4000 ft") {
				t.Errorf("Unexpected change line %q", l.Message)
			}
		}
	}
	if changes != 1 {
		t.Errorf("Expected 1 change line, got %d", changes)
	}

	text := c.state.GetText(true)
	if !strings.Contains(text, "active") || !strings.Contains(text, "Updates:  2") {
		t.Errorf("Unexpected state panel:\n%s", text)
	}
}

func TestConsoleToggleAndClear(t *testing.T) {
	c, e := newTestConsole(t)
	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	e.OnPositionReceived(sample(40.0, 30000, 450, time.Now()))

	c.clearHistory()
	if rows := c.history.GetRowCount(); rows != 1 {
		t.Errorf("Expected only the header row, got %d", rows)
	}

	c.toggle()
	if e.Status() != tracking.StatusStopped {
		t.Errorf("Expected stopped, got %s", e.Status())
	}
	c.toggle()
	if e.Status() != tracking.StatusActive {
		t.Errorf("Expected active, got %s", e.Status())
	}

	var started, stopped int
	for _, l := range c.events.Lines() {
		switch {
		case strings.Contains(l.Message, "started"):
			started++
		case strings.Contains(l.Message, "stopped"):
			stopped++
		}
	}
	if started != 2 || stopped != 1 {
		t.Errorf("Expected 2 starts and 1 stop, got %d/%d", started, stopped)
	}
}

func TestConsoleReportsErrors(t *testing.T) {
	c, e := newTestConsole(t)
	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	e.OnPositionReceived(telemetry.FlightPosition{Latitude: 95, Timestamp: time.Now()})

	lines := c.events.Lines()
	last := lines[len(lines)-1]
	if last.Severity != SeverityError || !strings.Contains(last.Message, "AA100") {
		t.Errorf("Expected error line for AA100, got %+v", last)
	}

	c.refresh()
	if !strings.Contains(c.state.GetText(true), "invalid position") {
		t.Errorf("Expected error in state panel, got:\n%s", c.state.GetText(true))
	}
}

func TestStateText(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	last := now.Add(-30 * time.Second)
	st := tracking.TrackingState{IsActive: true, LastUpdate: &last, UpdateCount: 7, Error: "boom [x]"}
	pos := sample(40.6413, 35000, 480, last)

	text := stateText(tracking.StatusActive, st, pos, true, true, now)
	for _, want := range []string{"connected", "active", "[white]7[-]", "30s ago", "40.6413", "35000 ft", "480 kt", "045°", "boom"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in:\n%s", want, text)
		}
	}

	idle := stateText(tracking.StatusIdle, tracking.TrackingState{}, telemetry.FlightPosition{}, false, false, now)
	if !strings.Contains(idle, "disconnected") || !strings.Contains(idle, "never") {
		t.Errorf("Unexpected idle text:\n%s", idle)
	}
	if strings.Contains(idle, "POSITION") {
		t.Error("Expected no position section without a position")
	}
}

func TestFillHistoryEmpty(t *testing.T) {
	table := tview.NewTable()
	fillHistory(table, nil)
	if table.GetRowCount() != 1 || table.GetColumnCount() != len(historyHeaders) {
		t.Errorf("Expected header only, got %dx%d", table.GetRowCount(), table.GetColumnCount())
	}
}

func TestDescribeChange(t *testing.T) {
	ev := tracking.ChangeEvent{Kind: tracking.ChangeSpeed, Delta: -55.6, Current: telemetry.FlightPosition{Speed: 420}}
	if got := describeChange(ev); got != "speed -56 km/h to 420 kt" {
		t.Errorf("Unexpected description %q", got)
	}
}
