package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ppiankov/runwatch/internal/docker"
)

// identityPattern matches the long-form container identifier.
var identityPattern = regexp.MustCompile(`[a-f0-9]{64}`)

// Launcher starts agent containers and streams their output.
type Launcher interface {
	Launch(ctx context.Context, args []string, onLine docker.LineFunc) (string, error)
	FollowLogs(ctx context.Context, id string, onLine docker.LineFunc) error
}

// Detector launches an agent and waits for its readiness pattern.
type Detector struct {
	Launcher Launcher
	// Timeout bounds the readiness wait. Zero waits until the agent's
	// output ends.
	Timeout time.Duration
	Log     *slog.Logger
}

// Launch starts p and returns its identity once the readiness pattern has
// been seen. When launch output carried an identity but readiness then
// failed, the identity is returned alongside the error so the caller can
// still clean up.
func (d *Detector) Launch(ctx context.Context, p *AgentProcess) (string, error) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	var ready atomic.Bool
	watch := func(s docker.Stream, line string) {
		log.Debug("agent output", "kind", p.Kind.String(), "stream", s.String(), "line", line)
		if p.ReadinessPattern != "" && strings.Contains(line, p.ReadinessPattern) {
			ready.Store(true)
		}
	}

	out, err := d.Launcher.Launch(ctx, p.StartArgs, watch)
	if err != nil {
		return "", fmt.Errorf("%s agent: %w: %w", p.Kind, ErrLaunch, err)
	}

	id := identityPattern.FindString(out)
	if id == "" {
		return "", fmt.Errorf("%s agent: %w: no 64-hex identifier in launch output", p.Kind, ErrIdentityCapture)
	}
	log.Info("agent launched", "kind", p.Kind.String(), "id", shortID(id))

	if p.ReadinessPattern == "" || ready.Load() {
		return id, nil
	}
	if err := d.awaitReady(ctx, p, id, log); err != nil {
		return id, err
	}
	return id, nil
}

// awaitReady follows the agent's log until the readiness pattern appears.
func (d *Detector) awaitReady(ctx context.Context, p *AgentProcess, id string, log *slog.Logger) error {
	followCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if d.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		followCtx, cancelTimeout = context.WithTimeout(followCtx, d.Timeout)
		defer cancelTimeout()
	}

	var ready atomic.Bool
	log.Info("waiting for agent readiness", "kind", p.Kind.String(), "pattern", p.ReadinessPattern)
	err := d.Launcher.FollowLogs(followCtx, id, func(s docker.Stream, line string) {
		log.Debug("agent output", "kind", p.Kind.String(), "stream", s.String(), "line", line)
		if strings.Contains(line, p.ReadinessPattern) && !ready.Swap(true) {
			cancel()
		}
	})

	switch {
	case ready.Load():
		log.Info("agent ready", "kind", p.Kind.String(), "id", shortID(id))
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%s agent: await readiness: %w", p.Kind, ctx.Err())
	case errors.Is(followCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%s agent: await readiness after %s: %w", p.Kind, d.Timeout, ErrReadinessTimeout)
	case err != nil:
		return fmt.Errorf("%s agent: await readiness: %w: %w", p.Kind, ErrReadinessLost, err)
	default:
		return fmt.Errorf("%s agent: await readiness: %w", p.Kind, ErrReadinessLost)
	}
}
