// Package correlate attributes event timestamps to the job steps whose
// [start, end] interval contains them.
package correlate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// NoStepFound is returned when no step interval contains the instant.
const NoStepFound = "No step found"

// ErrParse is returned when an instant or interval endpoint is not a valid
// ISO-8601 timestamp.
var ErrParse = errors.New("correlate: invalid timestamp")

// ParseInstant parses an ISO-8601 instant. Comparison happens at millisecond
// precision, which is what the job runner reports for step boundaries.
func ParseInstant(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrParse, v)
	}
	return t.UTC().Truncate(time.Millisecond), nil
}

// Correlate returns the names of every step whose interval contains instant,
// space-joined in the order the steps were supplied. Both interval ends are
// inclusive. When nothing matches it returns NoStepFound.
//
// Steps with an empty start or end (not started, still running) never match.
func Correlate(steps *StepTimestamps, instant string, log *slog.Logger) (string, error) {
	if log == nil {
		log = slog.Default()
	}

	at, err := ParseInstant(instant)
	if err != nil {
		return "", err
	}

	var matched []string
	for _, name := range steps.Names() {
		span, _ := steps.Get(name)
		if span.Start == "" || span.End == "" {
			log.Debug("step has an open interval, skipping", "step", name)
			continue
		}

		start, err := ParseInstant(span.Start)
		if err != nil {
			return "", fmt.Errorf("step %q start: %w", name, err)
		}
		end, err := ParseInstant(span.End)
		if err != nil {
			return "", fmt.Errorf("step %q end: %w", name, err)
		}

		log.Debug("correlating step",
			"step", name,
			"start", start.Format(time.RFC3339Nano),
			"end", end.Format(time.RFC3339Nano),
			"event", at.Format(time.RFC3339Nano))

		if !at.Before(start) && !at.After(end) {
			log.Debug("event occurred during step", "step", name)
			matched = append(matched, name)
		}
	}

	out := strings.TrimRight(strings.Join(matched, " "), " \t\r\n")
	if out == "" {
		return NoStepFound, nil
	}
	return out, nil
}
