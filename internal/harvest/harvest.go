package harvest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ppiankov/runwatch/internal/correlate"
)

const maxLineSize = 4 * 1024 * 1024

// Harvest reads the event log at path. When steps is non-nil every event is
// correlated against it. Any malformed line aborts the whole harvest and no
// events are returned.
func Harvest(path string, steps *correlate.StepTimestamps, log *slog.Logger) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	return Read(f, steps, log)
}

// Read harvests events from r. Blank lines are skipped.
func Read(r io.Reader, steps *correlate.StepTimestamps, log *slog.Logger) ([]Event, error) {
	if log == nil {
		log = slog.Default()
	}

	var events []Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		e, err := DecodeLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := correlateEvent(&e, steps, log); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrParse, lineNo, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}

	log.Debug("harvested events", "count", len(events), "correlated", steps != nil)
	return events, nil
}

// DecodeLine parses one event record.
func DecodeLine(line []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return e, nil
}
