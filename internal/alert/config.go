package alert

import (
	"github.com/ppiankov/runwatch/internal/harvest"
	"github.com/ppiankov/runwatch/internal/ratelimit"
)

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL         string            `yaml:"url"          json:"url"`
	Format      string            `yaml:"format"       json:"format"`       // "generic", "slack", "pagerduty"
	MinPriority string            `yaml:"min_priority" json:"min_priority"` // lowest monitor priority sent
	Headers     map[string]string `yaml:"headers"      json:"headers"`
	// RateLimit caps alerts per rule, windowed by event time.
	RateLimit *ratelimit.Limit `yaml:"rate_limit" json:"rate_limit,omitempty"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp  string `json:"timestamp"`
	Rule       string `json:"rule"`
	Priority   string `json:"priority"`
	Output     string `json:"output"`
	Step       string `json:"step,omitempty"`
	Source     string `json:"source,omitempty"`
	Repository string `json:"repository,omitempty"`
	RunID      string `json:"run_id,omitempty"`
}

// RunInfo identifies the job run events came from.
type RunInfo struct {
	Repository string
	RunID      string
}

// FromEvent converts a harvested monitor event.
func FromEvent(e harvest.Event, run RunInfo) AlertEvent {
	return AlertEvent{
		Timestamp:  e.Time,
		Rule:       e.Rule,
		Priority:   e.Priority,
		Output:     e.Output,
		Step:       e.Step,
		Source:     e.Source,
		Repository: run.Repository,
		RunID:      run.RunID,
	}
}
