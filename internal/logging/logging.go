// Package logging builds the process logger. Under GitHub Actions records
// are written as workflow commands so warnings and errors are annotated in
// the run UI.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Options configures New.
type Options struct {
	Verbose bool
	// Actions forces workflow-command output. When false, it is enabled
	// if GITHUB_ACTIONS=true.
	Actions bool
}

// New returns a logger writing to w.
func New(w io.Writer, opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	if opts.Actions || os.Getenv("GITHUB_ACTIONS") == "true" {
		return slog.New(NewActionsHandler(w, level))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// ActionsHandler renders records as GitHub workflow commands.
type ActionsHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	pre    string // attrs added by WithAttrs, already rendered
	groups []string
}

// NewActionsHandler creates a handler emitting records at or above level.
func NewActionsHandler(w io.Writer, level slog.Leveler) *ActionsHandler {
	return &ActionsHandler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *ActionsHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *ActionsHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.pre)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.groups, a)
		return true
	})

	var line string
	switch {
	case r.Level >= slog.LevelError:
		line = "::error::" + EscapeData(b.String())
	case r.Level >= slog.LevelWarn:
		line = "::warning::" + EscapeData(b.String())
	case r.Level < slog.LevelInfo:
		line = "::debug::" + EscapeData(b.String())
	default:
		// Plain lines are not decoded by the runner, so only line breaks
		// are escaped; a raw one could start a line read as a command.
		line = breaks.Replace(b.String())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line+"\n")
	return err
}

func (h *ActionsHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.pre)
	for _, a := range attrs {
		writeAttr(&b, h.groups, a)
	}
	nh := *h
	nh.pre = b.String()
	return &nh
}

func (h *ActionsHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.groups = append(append([]string(nil), h.groups...), name)
	return &nh
}

func writeAttr(b *strings.Builder, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := append(append([]string(nil), groups...), a.Key)
		for _, ga := range a.Value.Group() {
			writeAttr(b, sub, ga)
		}
		return
	}
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	val := a.Value.String()
	if strings.ContainsAny(val, " \t\r\n\"=") {
		val = fmt.Sprintf("%q", val)
	}
	b.WriteString(" " + key + "=" + val)
}

var breaks = strings.NewReplacer("\r", "%0D", "\n", "%0A")

// EscapeData escapes a workflow command message.
func EscapeData(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	s = strings.ReplaceAll(s, "\r", "%0D")
	s = strings.ReplaceAll(s, "\n", "%0A")
	return s
}
