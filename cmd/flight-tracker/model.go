package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/unklstewy/flightwatch/pkg/coordinates"
	"github.com/unklstewy/flightwatch/pkg/telemetry"
	"github.com/unklstewy/flightwatch/pkg/tracking"
)

// maxEvents is how many change and error lines the event panel keeps
const maxEvents = 8

// preferences persists the operator's flight list. It is nil when no
// database is configured.
type preferences interface {
	Add(ctx context.Context, flightID, label string) error
	Remove(ctx context.Context, flightID string) error
	SetActive(ctx context.Context, flightID string, active bool) error
}

// Messages posted by engine and client callbacks.
type (
	tickMsg       time.Time
	connectedMsg  struct{ err error }
	connectionMsg bool
	startedMsg    string
	stoppedMsg    string
	positionMsg   struct {
		flightID string
		pos      telemetry.FlightPosition
	}
	changeMsg tracking.ChangeEvent
	errorMsg  struct {
		flightID string
		err      error
	}
	// opDoneMsg reports the outcome of a command run off the UI goroutine
	opDoneMsg struct {
		action   string
		flightID string
		err      error
	}
)

type model struct {
	tracker *tracking.Tracker
	store   *tracking.MemoryStore
	prefs   preferences
	connect func(ctx context.Context) error
	now     func() time.Time

	// flights is the display order; startup lists the ones to start
	// once the broker connection is up
	flights []string
	startup []string

	selected  int
	connected bool
	events    []string
	status    string

	inputMode bool
	input     string
}

func newModel(tracker *tracking.Tracker, store *tracking.MemoryStore, prefs preferences, connect func(context.Context) error) model {
	return model{
		tracker: tracker,
		store:   store,
		prefs:   prefs,
		connect: connect,
		now:     time.Now,
		status:  "Connecting to broker...",
	}
}

// withFlights adds flights to the display list; the active ones are
// started after connecting.
func (m model) withFlights(flights []string, active map[string]bool) model {
	for _, id := range flights {
		if m.indexOf(id) >= 0 {
			continue
		}
		m.flights = append(m.flights, id)
		if active == nil || active[id] {
			m.startup = append(m.startup, id)
		}
	}
	return m
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	connect := m.connect
	return tea.Batch(tick(), func() tea.Msg {
		if connect == nil {
			return connectedMsg{}
		}
		return connectedMsg{err: connect(context.Background())}
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.inputMode {
			return m.updateInput(msg)
		}
		return m.updateKeys(msg)

	case tickMsg:
		return m, tick()

	case connectedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("Broker connection failed: %v", msg.err)
			return m, nil
		}
		m.connected = true
		m.status = fmt.Sprintf("Connected, tracking %d flights", len(m.startup))
		cmds := make([]tea.Cmd, 0, len(m.startup))
		for _, id := range m.startup {
			cmds = append(cmds, m.trackCmd(id))
		}
		m.startup = nil
		return m, tea.Batch(cmds...)

	case connectionMsg:
		m.connected = bool(msg)
		if m.connected {
			m.status = "Reconnected to broker"
		} else {
			m.status = "Broker connection lost, retrying..."
		}

	case startedMsg:
		m.addEvent(fmt.Sprintf("%s tracking started", string(msg)))

	case stoppedMsg:
		m.addEvent(fmt.Sprintf("%s tracking stopped", string(msg)))

	case positionMsg:
		// State is read from the engine on render

	case changeMsg:
		m.addEvent(formatChange(tracking.ChangeEvent(msg)))

	case errorMsg:
		m.addEvent(fmt.Sprintf("%s error: %v", msg.flightID, msg.err))

	case opDoneMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s %s failed: %v", msg.action, msg.flightID, msg.err)
		} else {
			m.status = fmt.Sprintf("%s %s", msg.action, msg.flightID)
		}
	}

	return m, nil
}

func (m model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		id := strings.ToUpper(strings.TrimSpace(m.input))
		m.inputMode = false
		m.input = ""
		if id == "" {
			return m, nil
		}
		if m.indexOf(id) >= 0 {
			m.status = fmt.Sprintf("%s is already in the list", id)
			return m, nil
		}
		m.flights = append(m.flights, id)
		m.selected = len(m.flights) - 1
		return m, tea.Batch(m.trackCmd(id), m.persist(func(ctx context.Context, p preferences) error {
			return p.Add(ctx, id, "")
		}))
	case "esc":
		m.inputMode = false
		m.input = ""
	case "backspace":
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
	default:
		if len(msg.String()) == 1 {
			m.input += msg.String()
		}
	}
	return m, nil
}

func (m model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.flights)-1 {
			m.selected++
		}
	case "a":
		m.inputMode = true
		m.input = ""
	}

	id, ok := m.selectedFlight()
	if !ok {
		return m, nil
	}

	switch msg.String() {
	case "enter", " ":
		return m, m.toggleCmd(id)
	case "c":
		tracker := m.tracker
		return m, func() tea.Msg {
			if e := tracker.Engine(id); e != nil {
				e.ClearHistory()
			}
			return opDoneMsg{action: "Cleared history of", flightID: id}
		}
	case "d":
		m.flights = append(m.flights[:m.selected:m.selected], m.flights[m.selected+1:]...)
		if m.selected >= len(m.flights) && m.selected > 0 {
			m.selected--
		}
		tracker, store := m.tracker, m.store
		return m, tea.Batch(func() tea.Msg {
			tracker.Untrack(id)
			if store != nil {
				store.Delete(id)
			}
			return opDoneMsg{action: "Dropped", flightID: id}
		}, m.persist(func(ctx context.Context, p preferences) error {
			return p.Remove(ctx, id)
		}))
	}
	return m, nil
}

func (m model) trackCmd(id string) tea.Cmd {
	tracker := m.tracker
	return func() tea.Msg {
		_, err := tracker.Track(id)
		return opDoneMsg{action: "Tracking", flightID: id, err: err}
	}
}

func (m model) toggleCmd(id string) tea.Cmd {
	tracker, prefs := m.tracker, m.prefs
	return func() tea.Msg {
		err := tracker.Toggle(id)
		active := false
		if e := tracker.Engine(id); e != nil {
			active = e.Status() == tracking.StatusActive
		}
		if err == nil && prefs != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = prefs.SetActive(ctx, id, active)
			cancel()
		}
		action := "Stopped"
		if active {
			action = "Started"
		}
		return opDoneMsg{action: action, flightID: id, err: err}
	}
}

// persist runs fn against the preference store, if there is one.
func (m model) persist(fn func(context.Context, preferences) error) tea.Cmd {
	if m.prefs == nil {
		return nil
	}
	prefs := m.prefs
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fn(ctx, prefs); err != nil {
			return opDoneMsg{action: "Saving", flightID: "preferences", err: err}
		}
		return nil
	}
}

func (m *model) addEvent(line string) {
	m.events = append(m.events, m.now().Format("15:04:05")+" "+line)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

func (m model) indexOf(id string) int {
	for i, f := range m.flights {
		if f == id {
			return i
		}
	}
	return -1
}

func (m model) selectedFlight() (string, bool) {
	if m.selected < 0 || m.selected >= len(m.flights) {
		return "", false
	}
	return m.flights[m.selected], true
}

func formatChange(ev tracking.ChangeEvent) string {
	switch ev.Kind {
	case tracking.ChangeAltitude:
		return fmt.Sprintf("%s altitude %+.0f ft (%.0f -> %.0f)", ev.FlightID, ev.Delta, ev.Previous.Altitude, ev.Current.Altitude)
	case tracking.ChangeSpeed:
		return fmt.Sprintf("%s speed %+.0f km/h (%.0f -> %.0f kt)", ev.FlightID, ev.Delta, ev.Previous.Speed, ev.Current.Speed)
	default:
		return fmt.Sprintf("%s %s change %+.0f", ev.FlightID, ev.Kind, ev.Delta)
	}
}

// lastLeg returns the distance and initial bearing between the two most
// recent samples in history.
func lastLeg(history []telemetry.FlightPosition) (distanceNM, bearing float64, ok bool) {
	if len(history) < 2 {
		return 0, 0, false
	}
	a, b := history[len(history)-2], history[len(history)-1]
	from := coordinates.Geographic{Latitude: a.Latitude, Longitude: a.Longitude}
	to := coordinates.Geographic{Latitude: b.Latitude, Longitude: b.Longitude}
	return from.DistanceKm(to) / coordinates.KmPerNauticalMile, from.Bearing(to), true
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("237"))
	activeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	stoppedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	idleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	promptStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	inputStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
)

func (m model) View() string {
	var b strings.Builder

	conn := errStyle.Render("● disconnected")
	if m.connected {
		conn = activeStyle.Render("● connected")
	}
	b.WriteString(titleStyle.Render("FLIGHTWATCH TRACKER") + "  " + conn + "\n\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-8s %-8s %6s  %-20s %8s %6s %5s  %s",
		"FLIGHT", "STATE", "UPD", "POSITION", "ALT ft", "SPD kt", "HDG", "LAST LEG")))
	b.WriteString("\n")

	if len(m.flights) == 0 {
		b.WriteString(helpStyle.Render("  No flights. Press 'a' to add one."))
		b.WriteString("\n")
	}
	for i, id := range m.flights {
		line := m.flightLine(id)
		if i == m.selected {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n")
	b.WriteString(m.detailView())

	b.WriteString("\n" + headerStyle.Render("EVENTS") + "\n")
	if len(m.events) == 0 {
		b.WriteString(helpStyle.Render("  none yet") + "\n")
	}
	for _, ev := range m.events {
		b.WriteString("  " + ev + "\n")
	}

	b.WriteString("\n")
	if m.inputMode {
		b.WriteString(promptStyle.Render("Flight ID: ") + inputStyle.Render(m.input+"_"))
		b.WriteString("\n" + helpStyle.Render("enter: add  esc: cancel"))
	} else {
		b.WriteString(helpStyle.Render(m.status))
		b.WriteString("\n" + helpStyle.Render("↑/↓: select  enter/space: toggle  c: clear history  a: add  d: drop  q: quit"))
	}
	return b.String()
}

func (m model) flightLine(id string) string {
	e := m.tracker.Engine(id)
	if e == nil {
		return fmt.Sprintf("%-8s %s", id, idleStyle.Render(fmt.Sprintf("%-8s", "pending")))
	}

	st := e.State()
	state := fmt.Sprintf("%-8s", e.Status())
	switch {
	case st.Error != "":
		state = errStyle.Render(state)
	case e.Status() == tracking.StatusActive:
		state = activeStyle.Render(state)
	case e.Status() == tracking.StatusStopped:
		state = stoppedStyle.Render(state)
	default:
		state = idleStyle.Render(state)
	}

	pos, ok := e.CurrentPosition()
	if !ok {
		return fmt.Sprintf("%-8s %s %6d  %s", id, state, st.UpdateCount, helpStyle.Render("waiting for position"))
	}

	leg := "-"
	if dist, brg, ok := lastLeg(e.History()); ok {
		leg = fmt.Sprintf("%.1f NM @ %03.0f°", dist, brg)
	}
	return fmt.Sprintf("%-8s %s %6d  %9.4f,%10.4f %8.0f %6.0f %4.0f°  %s",
		id, state, st.UpdateCount, pos.Latitude, pos.Longitude, pos.Altitude, pos.Speed, pos.Heading, leg)
}

func (m model) detailView() string {
	id, ok := m.selectedFlight()
	if !ok {
		return ""
	}
	e := m.tracker.Engine(id)
	if e == nil {
		return ""
	}

	var b strings.Builder
	st := e.State()
	b.WriteString(headerStyle.Render("SELECTED "+id) + "\n")

	last := "never"
	if st.LastUpdate != nil {
		last = fmt.Sprintf("%s ago", m.now().Sub(*st.LastUpdate).Truncate(time.Second))
	}
	fmt.Fprintf(&b, "  active: %v  updates: %d  last update: %s  history: %d\n",
		st.IsActive, st.UpdateCount, last, len(e.History()))

	if m.store != nil {
		if f, ok := m.store.Get(id); ok {
			fmt.Fprintf(&b, "  stored at %s (%d writes)\n", f.UpdatedAt.Local().Format("15:04:05"), f.Updates)
		}
	}
	if st.Error != "" {
		b.WriteString("  " + errStyle.Render(st.Error) + "\n")
	}
	return b.String()
}
