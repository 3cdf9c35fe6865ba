// Package harvest reads the monitor's newline-delimited JSON event log and
// attributes each event to the job step it occurred in.
package harvest

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ppiankov/runwatch/internal/correlate"
)

// ErrParse reports a malformed event record.
var ErrParse = errors.New("event parse error")

// Event is one record emitted by the monitor.
type Event struct {
	Rule     string `json:"rule"`
	Priority string `json:"priority"`
	Time     string `json:"time"`
	Output   string `json:"output"`

	Source       string         `json:"source,omitempty"`
	Hostname     string         `json:"hostname,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	OutputFields map[string]any `json:"output_fields,omitempty"`

	// Step is the correlated step name(s). Empty when correlation was
	// skipped.
	Step string `json:"step,omitempty"`
}

// Correlated reports whether a step attribution was computed.
func (e Event) Correlated() bool {
	return e.Step != ""
}

// priorities in descending severity.
var priorities = []string{"emergency", "alert", "critical", "error", "warning", "notice", "informational", "debug"}

// PriorityRank maps a priority name to its severity; higher is more severe.
// Unknown names rank below debug.
func PriorityRank(p string) int {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "info" {
		p = "informational"
	}
	for i, name := range priorities {
		if name == p {
			return len(priorities) - i
		}
	}
	return 0
}

// ParsePriority validates a priority name.
func ParsePriority(p string) (string, error) {
	if PriorityRank(p) == 0 {
		return "", fmt.Errorf("unknown priority %q", p)
	}
	return p, nil
}

// AtLeast returns the events whose priority is at or above min.
func AtLeast(events []Event, min string) []Event {
	floor := PriorityRank(min)
	var out []Event
	for _, e := range events {
		if PriorityRank(e.Priority) >= floor {
			out = append(out, e)
		}
	}
	return out
}

// correlateEvent attaches the step name(s) when steps are available.
func correlateEvent(e *Event, steps *correlate.StepTimestamps, log *slog.Logger) error {
	if steps == nil {
		return nil
	}
	step, err := correlate.Correlate(steps, e.Time, log)
	if err != nil {
		return err
	}
	e.Step = step
	return nil
}
