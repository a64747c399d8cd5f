package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/rivo/tview"
)

// Severity of an event log line
type Severity string

const (
	SeverityInfo   Severity = "INFO"
	SeverityChange Severity = "CHANGE"
	SeverityWarn   Severity = "WARN"
	SeverityError  Severity = "ERROR"
)

// EventLine is a single entry of the event log
type EventLine struct {
	Time     time.Time
	Severity Severity
	Message  string
}

// EventLog keeps the most recent change and error lines and renders them
// into a text view.
type EventLog struct {
	textView *tview.TextView

	mu       sync.Mutex
	lines    []EventLine
	maxLines int
	now      func() time.Time
}

// NewEventLog creates an event log holding at most maxLines entries.
func NewEventLog(maxLines int) *EventLog {
	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetMaxLines(maxLines)
	textView.SetBorder(true).SetTitle(" Events ")

	return &EventLog{
		textView: textView,
		lines:    make([]EventLine, 0, maxLines),
		maxLines: maxLines,
		now:      time.Now,
	}
}

// View returns the tview component.
func (l *EventLog) View() tview.Primitive {
	return l.textView
}

// Add appends a line and redraws the view. Call it from the UI goroutine.
func (l *EventLog) Add(sev Severity, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lines = append(l.lines, EventLine{
		Time:     l.now(),
		Severity: sev,
		Message:  fmt.Sprintf(format, args...),
	})
	if len(l.lines) > l.maxLines {
		l.lines = l.lines[len(l.lines)-l.maxLines:]
	}

	l.textView.Clear()
	for _, line := range l.lines {
		fmt.Fprintf(l.textView, "[gray]%s[-] [%s]%-6s[-] %s\n",
			line.Time.Format("15:04:05"), severityColor(line.Severity), line.Severity, tview.Escape(line.Message))
	}
	l.textView.ScrollToEnd()
}

// Lines returns a copy of the current entries.
func (l *EventLog) Lines() []EventLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventLine, len(l.lines))
	copy(out, l.lines)
	return out
}

func severityColor(sev Severity) string {
	switch sev {
	case SeverityChange:
		return "aqua"
	case SeverityWarn:
		return "yellow"
	case SeverityError:
		return "red"
	default:
		return "white"
	}
}
