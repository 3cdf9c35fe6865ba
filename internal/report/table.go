// Package report renders harvested events and capture queries as markdown
// and writes them to the job summary or the terminal.
package report

import (
	"regexp"
	"strings"
)

var markdownSpecial = regexp.MustCompile(`([\\*_{}\[\]()#+\-.!|>` + "`" + `])`)

// Escape backslash-escapes markdown control characters and folds newlines
// so the text is safe inside a table cell.
func Escape(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", " ")
	return markdownSpecial.ReplaceAllString(s, `\$1`)
}

// Table is a markdown table with a fixed column set.
type Table struct {
	Heading string
	Level   int
	Columns []string
	Rows    [][]string
	// Empty is shown instead of the table body when Rows is empty.
	Empty string
}

// Markdown renders the heading and table. Short rows are padded; extra
// cells are dropped.
func (t Table) Markdown() string {
	var b strings.Builder
	if t.Heading != "" {
		level := t.Level
		if level <= 0 {
			level = 2
		}
		b.WriteString(strings.Repeat("#", level) + " " + t.Heading + "\n\n")
	}
	if len(t.Rows) == 0 && t.Empty != "" {
		b.WriteString(t.Empty + "\n\n")
		return b.String()
	}

	writeRow(&b, t.Columns, false)
	b.WriteString("|")
	for range t.Columns {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, r := range t.Rows {
		cells := make([]string, len(t.Columns))
		copy(cells, r)
		writeRow(&b, cells, true)
	}
	b.WriteString("\n")
	return b.String()
}

func writeRow(b *strings.Builder, cells []string, escape bool) {
	b.WriteString("|")
	for _, c := range cells {
		if escape {
			c = Escape(c)
		}
		b.WriteString(" " + c + " |")
	}
	b.WriteString("\n")
}
