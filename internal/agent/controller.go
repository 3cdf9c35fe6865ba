package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ppiankov/runwatch/internal/docker"
)

// ProcessManager is the process manager command surface the controller uses.
type ProcessManager interface {
	Launcher
	Lister
	Pull(ctx context.Context, image string) error
	Stop(ctx context.Context, id string) error
}

// IdentityStore persists agent identities across phases.
type IdentityStore interface {
	Save(key, value string) error
	Load(key string) (string, error)
}

// Controller drives agent start (pre phase) and stop (post phase).
type Controller struct {
	pm       ProcessManager
	store    IdentityStore
	poller   *Poller
	detector *Detector
	log      *slog.Logger
}

// NewController wires a controller with the default poller and a detector
// that waits for readiness without a deadline.
func NewController(pm ProcessManager, store IdentityStore, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		pm:       pm,
		store:    store,
		poller:   NewPoller(pm, log),
		detector: &Detector{Launcher: pm, Log: log},
		log:      log,
	}
}

// Poller exposes the existence poller for tuning.
func (c *Controller) Poller() *Poller { return c.poller }

// Detector exposes the readiness detector for tuning.
func (c *Controller) Detector() *Detector { return c.detector }

// Start pulls the agent image, launches it, waits for readiness and confirms
// the process manager lists it. The identity is saved as soon as it is
// captured so a later stop can find it even if confirmation fails.
func (c *Controller) Start(ctx context.Context, spec Spec) (*AgentProcess, error) {
	p := NewProcess(spec)
	if err := p.advance(Starting); err != nil {
		return p, err
	}

	c.log.Info("pulling agent image", "kind", spec.Kind.String(), "image", spec.Image)
	if err := c.pm.Pull(ctx, spec.Image); err != nil {
		p.fail()
		return p, fmt.Errorf("%s agent: %w: %w", spec.Kind, ErrImagePull, err)
	}

	id, err := c.detector.Launch(ctx, p)
	if id != "" {
		if serr := c.store.Save(spec.StateKey, id); serr != nil {
			p.fail()
			return p, fmt.Errorf("%s agent: save identity: %w", spec.Kind, serr)
		}
	}
	if err != nil {
		p.fail()
		return p, err
	}

	if err := c.poller.ConfirmRunning(ctx, id, spec.Match); err != nil {
		p.fail()
		return p, fmt.Errorf("%s agent: %w", spec.Kind, err)
	}

	p.Identity = id
	if err := p.advance(Running); err != nil {
		return p, err
	}
	c.log.Info("agent running", "kind", spec.Kind.String(), "id", shortID(id))
	return p, nil
}

// StopResult describes the outcome of a stop.
type StopResult struct {
	Kind     Kind
	Identity string
	State    State
	// Skipped is set when no identity was stored for a monitor.
	Skipped bool
	// Degraded carries a soft stop failure. Collection may continue.
	Degraded error
}

// Stop loads the stored identity and stops the agent.
//
// The two kinds differ. A monitor with no stored identity is skipped with a
// warning, and a failed stop is reported in StopResult.Degraded. A tracer
// with no stored identity fails with ErrMissingIdentity without issuing a
// stop, and a failed stop is returned as an error.
func (c *Controller) Stop(ctx context.Context, spec Spec) (StopResult, error) {
	res := StopResult{Kind: spec.Kind, State: NotStarted}

	id, err := c.store.Load(spec.StateKey)
	if err != nil {
		return res, fmt.Errorf("%s agent: load identity: %w", spec.Kind, err)
	}
	if id == "" {
		if spec.Kind == Tracer {
			return res, fmt.Errorf("%s agent: %w", spec.Kind, ErrMissingIdentity)
		}
		c.log.Warn("no stored agent identity, skipping stop", "kind", spec.Kind.String(), "key", spec.StateKey)
		res.Skipped = true
		return res, nil
	}

	p := &AgentProcess{Kind: spec.Kind, Identity: id, OutputFile: spec.OutputFile, State: Running}
	res.Identity = id
	if err := p.advance(Stopping); err != nil {
		return res, err
	}

	c.log.Info("stopping agent", "kind", spec.Kind.String(), "id", shortID(id))
	if err := c.pm.Stop(ctx, id); err != nil {
		p.fail()
		res.State = p.State
		stopErr := fmt.Errorf("%s agent: %w: %w", spec.Kind, ErrStopFailed, err)
		if spec.Kind == Tracer {
			return res, stopErr
		}
		c.log.Warn("stop failed, collecting existing output", "kind", spec.Kind.String(), "error", err)
		res.Degraded = stopErr
		return res, nil
	}

	if err := p.advance(Stopped); err != nil {
		return res, err
	}
	res.State = p.State
	return res, nil
}

// VerifyOutput checks that the agent's output file exists and is non-empty,
// returning its size.
func (c *Controller) VerifyOutput(spec Spec) (int64, error) {
	info, err := os.Stat(spec.OutputFile)
	if err != nil {
		return 0, fmt.Errorf("%s agent: %w: %s: %w", spec.Kind, ErrMissingOutput, spec.OutputFile, err)
	}
	if info.Size() == 0 {
		return 0, fmt.Errorf("%s agent: %w: %s is empty", spec.Kind, ErrMissingOutput, spec.OutputFile)
	}
	return info.Size(), nil
}

var _ ProcessManager = (*docker.Client)(nil)
