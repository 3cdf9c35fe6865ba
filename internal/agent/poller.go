package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Default poll bounds.
const (
	DefaultPollAttempts = 5
	DefaultPollDelay    = time.Second
)

// Lister returns the process manager's listing of running processes.
type Lister interface {
	ListRunning(ctx context.Context) (string, error)
}

// Match reports whether identity appears in a listing.
type Match func(listing, identity string) bool

// ExactMatch requires the full identity in the listing.
func ExactMatch(listing, identity string) bool {
	return identity != "" && strings.Contains(listing, identity)
}

// PrefixMatch matches on the first n characters of identity, for listings
// that truncate identifiers.
func PrefixMatch(n int) Match {
	return func(listing, identity string) bool {
		if identity == "" {
			return false
		}
		if len(identity) > n {
			identity = identity[:n]
		}
		return strings.Contains(listing, identity)
	}
}

// PollError reports a process that never showed up in the listing.
type PollError struct {
	Identity string
	Attempts int
	// Err is the listing failure that ended the poll, if any.
	Err error
}

func (e *PollError) Error() string {
	msg := fmt.Sprintf("confirm running %s: not listed after %d attempt(s)", shortID(e.Identity), e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PollError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrExhaustedRetries, e.Err}
	}
	return []error{ErrExhaustedRetries}
}

// Poller confirms that a launched process is visible to the process manager.
type Poller struct {
	Lister      Lister
	MaxAttempts int
	Delay       time.Duration
	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Log   *slog.Logger
}

// NewPoller returns a Poller with the default bounds.
func NewPoller(lister Lister, log *slog.Logger) *Poller {
	return &Poller{
		Lister:      lister,
		MaxAttempts: DefaultPollAttempts,
		Delay:       DefaultPollDelay,
		Log:         log,
	}
}

// ConfirmRunning queries the listing until match finds identity or the
// attempt bound is reached. A failed listing query ends the poll.
func (p *Poller) ConfirmRunning(ctx context.Context, identity string, match Match) error {
	if match == nil {
		match = ExactMatch
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultPollAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	log := p.Log
	if log == nil {
		log = slog.Default()
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		listing, err := p.Lister.ListRunning(ctx)
		if err != nil {
			log.Error("listing running processes failed", "attempt", attempt, "error", err)
			return &PollError{Identity: identity, Attempts: attempt, Err: err}
		}
		if match(listing, identity) {
			log.Debug("agent confirmed running", "id", shortID(identity), "attempt", attempt)
			return nil
		}
		log.Debug("agent not listed yet", "id", shortID(identity), "attempt", attempt, "max", attempts)

		if attempt < attempts {
			if err := sleep(ctx, p.Delay); err != nil {
				return &PollError{Identity: identity, Attempts: attempt, Err: err}
			}
		}
	}
	return &PollError{Identity: identity, Attempts: attempts}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
