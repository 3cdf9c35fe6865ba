package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/ppiankov/runwatch/internal/correlate"
	"github.com/ppiankov/runwatch/internal/harvest"
	"github.com/ppiankov/runwatch/internal/ratelimit"
)

// Dispatcher fans out harvested events to webhook configurations whose
// priority floor they meet.
type Dispatcher struct {
	configs []AlertConfig
	log     *slog.Logger
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []AlertConfig, log *slog.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{configs: configs, log: log}
}

// Dispatch sends every matching event and waits for the deliveries, since
// the process may exit right after. It returns the joined delivery
// failures and the number of events sent.
func (d *Dispatcher) Dispatch(ctx context.Context, events []harvest.Event, run RunInfo) (int, error) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
		sent int
	)
	for _, cfg := range d.configs {
		tracker := ratelimit.NewTracker(cfg.RateLimit)
		throttled := 0
		for _, e := range harvest.AtLeast(events, cfg.MinPriority) {
			if r := tracker.Allow(e.Rule, eventTime(e)); r.Exceeded {
				throttled++
				continue
			}
			wg.Add(1)
			go func(cfg AlertConfig, ev AlertEvent) {
				defer wg.Done()
				err := Send(ctx, cfg, ev)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, fmt.Errorf("alert %q: %w", ev.Rule, err))
					return
				}
				sent++
			}(cfg, FromEvent(e, run))
		}
		if throttled > 0 {
			d.log.Warn("alerts throttled", "url_host", hostOf(cfg.URL), "throttled", throttled)
		}
	}
	wg.Wait()

	if len(errs) > 0 {
		d.log.Warn("some alerts were not delivered", "failed", len(errs), "sent", sent)
	}
	return sent, errors.Join(errs...)
}

// eventTime windows the rate limit by when the monitor saw the event.
func eventTime(e harvest.Event) time.Time {
	if t, err := correlate.ParseInstant(e.Time); err == nil {
		return t
	}
	return time.Now()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
