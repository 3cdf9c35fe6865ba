package report

import (
	"fmt"
	"os"
	"strings"

	"github.com/ppiankov/runwatch/internal/analyze"
	"github.com/ppiankov/runwatch/internal/harvest"
)

// MonitorEventsHeading titles the harvested events table.
const MonitorEventsHeading = "Falco Events"

// Summary accumulates a markdown document.
type Summary struct {
	b strings.Builder
}

// Heading adds a heading at level (1-6).
func (s *Summary) Heading(text string, level int) *Summary {
	if level < 1 {
		level = 1
	}
	if level > 6 {
		level = 6
	}
	fmt.Fprintf(&s.b, "%s %s\n\n", strings.Repeat("#", level), text)
	return s
}

// Table adds a table.
func (s *Summary) Table(t Table) *Summary {
	s.b.WriteString(t.Markdown())
	return s
}

// Paragraph adds a block of text verbatim.
func (s *Summary) Paragraph(text string) *Summary {
	s.b.WriteString(strings.TrimRight(text, "\n") + "\n\n")
	return s
}

// Markdown returns the document.
func (s *Summary) Markdown() string {
	return s.b.String()
}

// Empty reports whether nothing was added.
func (s *Summary) Empty() bool {
	return s.b.Len() == 0
}

// WriteStepSummary appends the document to path, typically the file named
// by GITHUB_STEP_SUMMARY.
func (s *Summary) WriteStepSummary(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open step summary: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(s.Markdown()); err != nil {
		return fmt.Errorf("write step summary: %w", err)
	}
	return nil
}

// MonitorEventsTable tabulates harvested events. The Step column is present
// only when events were correlated.
func MonitorEventsTable(events []harvest.Event, correlated bool) Table {
	cols := []string{"Rule", "Priority", "Time", "Output"}
	if correlated {
		cols = append(cols, "Step")
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		row := []string{e.Rule, e.Priority, e.Time, e.Output}
		if correlated {
			row = append(row, e.Step)
		}
		rows = append(rows, row)
	}
	return Table{Heading: MonitorEventsHeading, Level: 2, Columns: cols, Rows: rows}
}

// QueryTable tabulates one capture query using the query's own field list
// as the schema.
func QueryTable(r analyze.Result) Table {
	return Table{
		Heading: r.Query.Title,
		Level:   2,
		Columns: r.Query.Columns(),
		Rows:    r.Rows,
		Empty:   "_No matching events._",
	}
}

// AnalysisSummary builds the analyze-mode report.
func AnalysisSummary(results []analyze.Result) *Summary {
	s := &Summary{}
	s.Heading("Summary", 1)
	for _, r := range results {
		s.Table(QueryTable(r))
	}
	return s
}
