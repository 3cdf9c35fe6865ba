package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/runwatch/internal/harvest"
	"github.com/ppiankov/runwatch/internal/ratelimit"
)

func init() {
	retryBackoff = 10 * time.Millisecond
}

var sampleEvents = []harvest.Event{
	{Rule: "Write below etc", Priority: "Error", Time: "2025-03-26T09:59:02Z", Output: "file=/etc/x", Step: "Build"},
	{Rule: "Outbound connection", Priority: "Notice", Time: "2025-03-26T10:01:00Z", Output: "1.2.3.4:8080"},
	{Rule: "Read credentials", Priority: "Critical", Time: "2025-03-26T10:02:00Z", Output: "file=.credentials"},
}

func TestDispatchHonorsMinPriority(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", MinPriority: "Warning"},
	}, nil)

	sent, err := d.Dispatch(context.Background(), sampleEvents, RunInfo{Repository: "octo/app", RunID: "42"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sent != 2 || called.Load() != 2 {
		t.Errorf("expected 2 alerts (error and critical), got sent=%d calls=%d", sent, called.Load())
	}
}

func TestDispatchMultipleWebhooks(t *testing.T) {
	var called atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	srv1 := httptest.NewServer(handler)
	defer srv1.Close()
	srv2 := httptest.NewServer(handler)
	defer srv2.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: srv1.URL, Format: "generic", MinPriority: "Critical"},
		{URL: srv2.URL, Format: "slack", MinPriority: "Debug"},
	}, nil)

	if _, err := d.Dispatch(context.Background(), sampleEvents, RunInfo{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if called.Load() != 4 {
		t.Errorf("expected 4 calls (1 critical + 3 debug-and-up), got %d", called.Load())
	}
}

func TestDispatchReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{{URL: srv.URL, MinPriority: "Critical"}}, nil)
	sent, err := d.Dispatch(context.Background(), sampleEvents, RunInfo{})
	if err == nil || sent != 0 {
		t.Fatalf("expected delivery failure, got sent=%d err=%v", sent, err)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Rule: "r"})
	if err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Rule: "r"})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected on 400, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestRetryOnTooManyRequests(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "slack"}, AlertEvent{Rule: "r"}); err != nil {
		t.Fatalf("expected success after 429, got %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"-1", 0},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 0},
		{"3600", maxRetryAfter},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.in); got != tt.want {
			t.Errorf("retryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSendCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	saved := retryBackoff
	retryBackoff = time.Hour
	defer func() { retryBackoff = saved }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := Send(ctx, AlertConfig{URL: srv.URL}, AlertEvent{}); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestFormatGenericJSON(t *testing.T) {
	event := FromEvent(sampleEvents[0], RunInfo{Repository: "octo/app", RunID: "42"})

	data, err := FormatPayload("generic", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed AlertEvent
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed.Rule != "Write below etc" || parsed.Step != "Build" || parsed.RunID != "42" {
		t.Errorf("unexpected payload %+v", parsed)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	data, err := FormatPayload("slack", FromEvent(sampleEvents[2], RunInfo{}))
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}
	blocks, ok := parsed["blocks"].([]any)
	if !ok || len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %v", parsed["blocks"])
	}
	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %s", header["type"])
	}
	section, _ := blocks[1].(map[string]any)
	fields, ok := section["fields"].([]any)
	if !ok || len(fields) != 4 {
		t.Errorf("expected 4 fields in section, got %v", fields)
	}
}

func TestFormatPagerDuty(t *testing.T) {
	data, err := FormatPayload("pagerduty", FromEvent(sampleEvents[2], RunInfo{}))
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("pagerduty format is not valid JSON: %v", err)
	}
	payload, ok := parsed["payload"].(map[string]any)
	if !ok {
		t.Fatal("expected payload object")
	}
	if payload["severity"] != "critical" {
		t.Errorf("expected severity critical, got %v", payload["severity"])
	}
	if payload["source"] != "runwatch" {
		t.Errorf("expected source runwatch, got %v", payload["source"])
	}
}

func TestNewDispatcherNilOnEmpty(t *testing.T) {
	if d := NewDispatcher(nil, nil); d != nil {
		t.Error("expected nil dispatcher for empty configs")
	}
}

func TestDispatchThrottlesNoisyRule(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	base := time.Date(2025, 3, 26, 10, 0, 0, 0, time.UTC)
	var noisy []harvest.Event
	for i := 0; i < 5; i++ {
		noisy = append(noisy, harvest.Event{Rule: "Read sensitive file", Priority: "Warning", Time: base.Add(time.Duration(i) * time.Second).Format(time.RFC3339)})
	}
	d := NewDispatcher([]AlertConfig{{
		URL:         srv.URL,
		MinPriority: "Warning",
		RateLimit:   &ratelimit.Limit{MaxEvents: 2, Window: time.Minute},
	}}, nil)

	sent, err := d.Dispatch(context.Background(), noisy, RunInfo{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sent != 2 || called.Load() != 2 {
		t.Errorf("expected 2 alerts after throttling, got sent=%d calls=%d", sent, called.Load())
	}
}
