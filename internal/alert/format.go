package alert

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	step := event.Step
	if step == "" {
		step = "n/a"
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("runwatch: %s", event.Rule),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Priority:* %s", event.Priority)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Time:* %s", event.Timestamp)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Step:* %s", step)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Run:* %s #%s", event.Repository, event.RunID)},
				},
			},
			map[string]any{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": "```" + event.Output + "```"},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("runwatch %s: %s", event.Priority, event.Rule),
			"severity": severityFor(event.Priority),
			"source":   "runwatch",
			"custom_details": map[string]any{
				"rule":       event.Rule,
				"output":     event.Output,
				"step":       event.Step,
				"repository": event.Repository,
				"run_id":     event.RunID,
			},
		},
	}
	return json.Marshal(payload)
}

// severityFor maps monitor priorities onto PagerDuty severities.
func severityFor(priority string) string {
	switch strings.ToLower(priority) {
	case "emergency", "alert", "critical":
		return "critical"
	case "error":
		return "error"
	case "warning":
		return "warning"
	default:
		return "info"
	}
}
