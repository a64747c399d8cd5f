package main

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/unklstewy/flightwatch/pkg/telemetry"
	"github.com/unklstewy/flightwatch/pkg/tracking"
)

const maxEventLines = 200

var historyHeaders = []string{"TIME", "LAT", "LON", "ALT ft", "SPD kt", "HDG"}

// Console is a single-flight tview dashboard: the position history on the
// left, tracking state and the change/error log on the right.
type Console struct {
	flightID string
	engine   *tracking.Engine

	app     *tview.Application
	history *tview.Table
	state   *tview.TextView
	events  *EventLog

	connected atomic.Bool
	now       func() time.Time

	// queue runs f on the UI goroutine
	queue func(f func())
}

// NewConsole builds the UI for flightID. Attach must be called before Run.
func NewConsole(flightID string) *Console {
	c := &Console{
		flightID: flightID,
		app:      tview.NewApplication(),
		events:   NewEventLog(maxEventLines),
		now:      time.Now,
	}
	c.queue = func(f func()) { c.app.QueueUpdateDraw(f) }

	c.history = tview.NewTable().SetFixed(1, 0).SetSelectable(false, false)
	c.history.SetBorder(true).SetTitle(fmt.Sprintf(" %s history ", flightID))

	c.state = tview.NewTextView().SetDynamicColors(true)
	c.state.SetBorder(true).SetTitle(" Tracking ")

	help := tview.NewTextView().
		SetDynamicColors(true).
		SetText("[yellow]t[-] toggle tracking  [yellow]c[-] clear history  [yellow]q[-] quit")

	sidebar := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.state, 0, 2, false).
		AddItem(c.events.View(), 0, 3, false)

	body := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(c.history, 0, 3, true).
		AddItem(sidebar, 0, 2, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(help, 1, 0, false)

	c.app.SetRoot(root, true)
	c.app.SetInputCapture(c.handleKey)
	return c
}

// Callbacks returns engine callbacks that post to the UI.
func (c *Console) Callbacks() tracking.Callbacks {
	return tracking.Callbacks{
		OnStarted: func(id string) {
			c.queue(func() {
				c.events.Add(SeverityInfo, "tracking %s started", id)
				c.refresh()
			})
		},
		OnStopped: func(id string) {
			c.queue(func() {
				c.events.Add(SeverityInfo, "tracking %s stopped", id)
				c.refresh()
			})
		},
		OnPosition: func(string, telemetry.FlightPosition) {
			c.queue(c.refresh)
		},
		OnChange: func(ev tracking.ChangeEvent) {
			c.queue(func() { c.events.Add(SeverityChange, "%s", describeChange(ev)) })
		},
		OnError: func(id string, err error) {
			c.queue(func() { c.events.Add(SeverityError, "%s: %v", id, err) })
		},
	}
}

// Attach sets the engine shown by the console.
func (c *Console) Attach(e *tracking.Engine) {
	c.engine = e
}

// SetConnected updates the broker connection indicator.
func (c *Console) SetConnected(connected bool) {
	c.connected.Store(connected)
	c.queue(func() {
		if connected {
			c.events.Add(SeverityInfo, "connected to broker")
		} else {
			c.events.Add(SeverityWarn, "broker connection lost")
		}
		c.refresh()
	})
}

// Notify adds a line to the event log from any goroutine.
func (c *Console) Notify(sev Severity, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.queue(func() { c.events.Add(sev, "%s", msg) })
}

// Run refreshes the display every second and blocks until the UI exits or
// ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.app.Stop()
				return
			case <-ticker.C:
				c.queue(c.refresh)
			}
		}
	}()

	c.refresh()
	return c.app.Run()
}

func (c *Console) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch {
	case event.Key() == tcell.KeyEscape || event.Rune() == 'q':
		c.app.Stop()
		return nil
	case event.Rune() == 't':
		go c.toggle()
		return nil
	case event.Rune() == 'c':
		c.clearHistory()
		return nil
	}
	return event
}

// toggle flips tracking. It runs off the UI goroutine since starting may
// wait on the broker.
func (c *Console) toggle() {
	if c.engine == nil {
		return
	}
	if err := c.engine.Toggle(); err != nil {
		c.Notify(SeverityError, "toggle failed: %v", err)
	}
}

func (c *Console) clearHistory() {
	if c.engine == nil {
		return
	}
	c.engine.ClearHistory()
	c.events.Add(SeverityInfo, "history cleared")
	c.refresh()
}

// refresh redraws the history table and state panel from the engine.
// Call it from the UI goroutine.
func (c *Console) refresh() {
	if c.engine == nil {
		return
	}
	pos, ok := c.engine.CurrentPosition()
	c.state.SetText(stateText(c.engine.Status(), c.engine.State(), pos, ok, c.connected.Load(), c.now()))
	fillHistory(c.history, c.engine.History())
}

// fillHistory writes history into table, newest sample first.
func fillHistory(table *tview.Table, history []telemetry.FlightPosition) {
	table.Clear()
	for col, h := range historyHeaders {
		table.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetExpansion(1))
	}

	for i := range history {
		p := history[len(history)-1-i]
		row := i + 1
		cells := []string{
			p.Timestamp.Local().Format("15:04:05"),
			fmt.Sprintf("%.4f", p.Latitude),
			fmt.Sprintf("%.4f", p.Longitude),
			fmt.Sprintf("%.0f", p.Altitude),
			fmt.Sprintf("%.0f", p.Speed),
			fmt.Sprintf("%03.0f", p.Heading),
		}
		for col, text := range cells {
			table.SetCell(row, col, tview.NewTableCell(text).
				SetAlign(tview.AlignRight).
				SetExpansion(1))
		}
	}
}

// stateText renders the tracking panel.
func stateText(status tracking.Status, st tracking.TrackingState, pos telemetry.FlightPosition, hasPos, connected bool, now time.Time) string {
	var b strings.Builder

	conn := "[red]disconnected[-]"
	if connected {
		conn = "[green]connected[-]"
	}
	fmt.Fprintf(&b, "[gray]Broker:[-]   %s\n", conn)

	color := "gray"
	switch status {
	case tracking.StatusActive:
		color = "green"
	case tracking.StatusStopped:
		color = "yellow"
	}
	fmt.Fprintf(&b, "[gray]Status:[-]   [%s]%s[-]\n", color, status)
	fmt.Fprintf(&b, "[gray]Updates:[-]  [white]%d[-]\n", st.UpdateCount)

	if st.LastUpdate != nil {
		fmt.Fprintf(&b, "[gray]Last:[-]     [white]%s ago[-]\n", now.Sub(*st.LastUpdate).Truncate(time.Second))
	} else {
		b.WriteString("[gray]Last:[-]     [white]never[-]\n")
	}

	if hasPos {
		fmt.Fprintf(&b, "\n[yellow]POSITION[-]\n")
		fmt.Fprintf(&b, "[gray]Pos:[-]  [white]%.4f°, %.4f°[-]\n", pos.Latitude, pos.Longitude)
		fmt.Fprintf(&b, "[gray]Alt:[-]  [white]%.0f ft[-]  [gray]Spd:[-] [white]%.0f kt[-]\n", pos.Altitude, pos.Speed)
		fmt.Fprintf(&b, "[gray]Hdg:[-]  [white]%03.0f°[-]\n", pos.Heading)
	}

	if st.Error != "" {
		fmt.Fprintf(&b, "\n[red]%s[-]\n", tview.Escape(st.Error))
	}
	return b.String()
}

func describeChange(ev tracking.ChangeEvent) string {
	switch ev.Kind {
	case tracking.ChangeAltitude:
		return fmt.Sprintf("altitude %+.0f ft to %.0f ft", ev.Delta, ev.Current.Altitude)
	case tracking.ChangeSpeed:
		return fmt.Sprintf("speed %+.0f km/h to %.0f kt", ev.Delta, ev.Current.Speed)
	default:
		return fmt.Sprintf("%s %+.0f", ev.Kind, ev.Delta)
	}
}
