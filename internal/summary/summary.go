// Package summary asks an OpenAI-compatible chat endpoint for a short
// narrative of a rendered run report.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/neurorouter"

	"github.com/ppiankov/runwatch/internal/redact"
)

// ErrEmptyReport is returned when there is nothing to summarize.
var ErrEmptyReport = errors.New("report is empty")

// Config holds parameters for the summary request.
type Config struct {
	APIURL    string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	// Comment is extra guidance appended to the prompt.
	Comment string
}

const systemPrompt = `You are a CI/CD security analyst. You receive a markdown report of runtime security events and syscall activity captured while a build job ran.

Write a short summary for the job owner:
- what the job did at a high level (processes, network, files)
- anything that looks suspicious or unexpected for a build, and in which step it happened
- a one-line verdict: "No action needed" or "Review recommended"

Use plain markdown. Keep it under 200 words. Do not repeat the tables.`

// Summarize sends the report and returns the model's narrative.
// HTTP 429 is reported as neurorouter.ErrRateLimited.
func Summarize(ctx context.Context, cfg Config, report string) (string, error) {
	if strings.TrimSpace(report) == "" {
		return "", ErrEmptyReport
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 600
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	// Secrets never leave the runner; the reply is detokenized locally.
	tm := redact.NewTokenMap()
	user := redact.Redact(report, tm)
	if legend := tm.Legend(); legend != "" {
		user = legend + "\n" + user
	}
	if cfg.Comment != "" {
		user = cfg.Comment + "\n\n" + user
	}
	messages := []map[string]string{
		{"role": "system", "content": systemPrompt},
		{"role": "user", "content": user},
	}

	body, _ := json.Marshal(map[string]any{
		"model":       cfg.Model,
		"messages":    messages,
		"max_tokens":  cfg.MaxTokens,
		"temperature": 0,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: cfg.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("summary request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("summary: %w", neurorouter.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summary HTTP %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(respBody)), 200))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Choices) == 0 {
		return "", fmt.Errorf("empty summary response")
	}
	return redact.Detoken(cleanFences(result.Choices[0].Message.Content), tm), nil
}

// cleanFences strips a surrounding markdown code fence.
func cleanFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```markdown")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
