package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
	maxRetryAfter  = 30 * time.Second
)

// ErrRejected is returned when the endpoint refuses the payload with a
// non-retryable 4xx status.
var ErrRejected = errors.New("webhook rejected")

var httpClient = &http.Client{Timeout: requestTimeout}

// retryBackoff is multiplied by the attempt number between retries.
var retryBackoff = time.Second

// Send posts an alert to the configured endpoint. Server errors and 429
// are retried; a 429 Retry-After header replaces the backoff, capped.
func Send(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var lastErr error
	wait := time.Duration(0)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if wait == 0 {
				wait = time.Duration(attempt-1) * retryBackoff
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		var status int
		status, wait, err = post(ctx, cfg, body)
		switch {
		case err != nil:
			lastErr = err
		case status >= 200 && status < 300:
			return nil
		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = fmt.Errorf("webhook HTTP %d", status)
		default:
			return fmt.Errorf("%w: HTTP %d", ErrRejected, status)
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", maxAttempts, lastErr)
}

// post makes one request and returns the status and any Retry-After delay.
func post(ctx context.Context, cfg AlertConfig, body []byte) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "runwatch")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, retryAfter(resp.Header.Get("Retry-After")), nil
}

// retryAfter parses a delay-seconds Retry-After value. HTTP dates are
// ignored.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}
