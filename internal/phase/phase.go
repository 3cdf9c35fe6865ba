// Package phase runs the pre and post halves of a job for the selected
// mode. Live mode drives the runtime security monitor, record mode drives
// the syscall tracer, and analyze mode reports on an earlier capture.
package phase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ppiankov/neurorouter"

	"github.com/ppiankov/runwatch/internal/agent"
	"github.com/ppiankov/runwatch/internal/alert"
	"github.com/ppiankov/runwatch/internal/analyze"
	"github.com/ppiankov/runwatch/internal/artifact"
	"github.com/ppiankov/runwatch/internal/audit"
	"github.com/ppiankov/runwatch/internal/config"
	"github.com/ppiankov/runwatch/internal/correlate"
	"github.com/ppiankov/runwatch/internal/harvest"
	"github.com/ppiankov/runwatch/internal/report"
	"github.com/ppiankov/runwatch/internal/state"
)

// CaptureArtifact is the artifact name the tracer capture is stored under.
const CaptureArtifact = "capture"

// ProcessManager is the container surface used across all modes.
type ProcessManager interface {
	agent.ProcessManager
	analyze.Querier
}

// StepSource lists the current job's step timestamps.
type StepSource interface {
	StepTimestamps(ctx context.Context) (*correlate.StepTimestamps, error)
}

// SummarizeFunc turns a rendered report into a short narrative.
type SummarizeFunc func(ctx context.Context, report string) (string, error)

// Config wires a Runner.
type Config struct {
	Inputs config.Inputs
	PM     ProcessManager
	Store  state.Store

	// Steps is nil when no credential is available; StepsErr then says
	// why and correlation is skipped.
	Steps    StepSource
	StepsErr error

	Artifacts artifact.Store
	Alerts    *alert.Dispatcher
	RunInfo   alert.RunInfo
	Summarize SummarizeFunc

	// Journal, when set, records each agent lifecycle action.
	Journal audit.Recorder

	// SummaryPath is the step summary file. When empty the report is
	// rendered to Out.
	SummaryPath string
	Out         io.Writer

	// WorkDir holds generated files that must outlive the pre phase.
	WorkDir string
	// OutputDir is where agents write events and captures.
	OutputDir string

	Log *slog.Logger
}

// Runner executes one phase.
type Runner struct {
	cfg  Config
	ctrl *agent.Controller
	log  *slog.Logger
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "/tmp"
	}
	// Bind mounts need absolute host paths.
	if abs, err := filepath.Abs(cfg.OutputDir); err == nil {
		cfg.OutputDir = abs
	}
	ctrl := agent.NewController(cfg.PM, cfg.Store, cfg.Log)
	ctrl.Detector().Timeout = cfg.Inputs.ReadinessTimeout
	return &Runner{cfg: cfg, ctrl: ctrl, log: cfg.Log}
}

// Controller exposes the agent controller for tuning.
func (r *Runner) Controller() *agent.Controller { return r.ctrl }

// Run detects the phase from the state store and executes it.
func (r *Runner) Run(ctx context.Context) (state.PhaseState, error) {
	ps, err := state.DetectPhase(r.cfg.Store, r.cfg.Inputs.Mode)
	if err != nil {
		return ps, err
	}
	r.log.Info("phase detected", "phase", ps.String())
	if ps.IsPost {
		return ps, r.Post(ctx)
	}
	return ps, r.Pre(ctx)
}

// Pre starts the agent for live and record modes and runs the whole
// analysis in analyze mode.
func (r *Runner) Pre(ctx context.Context) error {
	switch r.cfg.Inputs.Mode {
	case state.ModeLive:
		r.log.Info("running in live mode")
		return r.startMonitor(ctx)
	case state.ModeRecord:
		r.log.Info("running in record mode")
		return r.startTracer(ctx)
	case state.ModeAnalyze:
		r.log.Info("running in analyze mode")
		return r.runAnalysis(ctx)
	default:
		return fmt.Errorf("unknown mode %q", r.cfg.Inputs.Mode)
	}
}

// Post stops the agent and collects its output. Every cleanup step is
// attempted; failures are joined in the order they occurred.
func (r *Runner) Post(ctx context.Context) error {
	var errs []error
	switch r.cfg.Inputs.Mode {
	case state.ModeLive:
		errs = append(errs, r.collectMonitor(ctx)...)
	case state.ModeRecord:
		errs = append(errs, r.collectTracer(ctx)...)
	case state.ModeAnalyze:
		r.log.Info("nothing to clean up in analyze mode")
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", r.cfg.Inputs.Mode))
	}

	if c, ok := r.cfg.Store.(state.Clearer); ok {
		if err := c.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("clear state: %w", err))
		}
	}
	if len(errs) == 0 {
		r.log.Info("post phase completed")
	}
	return errors.Join(errs...)
}

func (r *Runner) monitorSpec(customRules, cicdRules string) agent.Spec {
	return agent.MonitorSpec(agent.MonitorOptions{
		Version:        r.cfg.Inputs.Version,
		CustomRuleFile: customRules,
		CICDRulesFile:  cicdRules,
		OutputDir:      r.cfg.OutputDir,
	})
}

func (r *Runner) tracerSpec(ignore []string) agent.Spec {
	return agent.TracerSpec(agent.TracerOptions{
		IgnoreSyscalls: ignore,
		OutputDir:      r.cfg.OutputDir,
	})
}

func (r *Runner) startMonitor(ctx context.Context) error {
	in := r.cfg.Inputs

	var customRules string
	if in.CustomRuleFile != "" {
		abs, err := filepath.Abs(in.CustomRuleFile)
		if err != nil {
			return fmt.Errorf("custom rules: %w", err)
		}
		n, err := config.ValidateRuleFile(abs)
		if err != nil {
			return fmt.Errorf("custom rules: %w", err)
		}
		r.log.Info("custom rules validated", "file", abs, "entries", n)
		customRules = abs
	}

	var cicdRules string
	if in.CICDRules {
		path, err := config.WriteCICDRules(r.cfg.WorkDir)
		if err != nil {
			return fmt.Errorf("cicd rules: %w", err)
		}
		cicdRules = path
	}

	p, err := r.ctrl.Start(ctx, r.monitorSpec(customRules, cicdRules))
	r.recordStart(p, err)
	return err
}

func (r *Runner) startTracer(ctx context.Context) error {
	// The config is read before anything touches the process manager.
	tc, err := config.LoadTracerConfig(r.cfg.Inputs.ConfigFile)
	if err != nil {
		return err
	}
	if len(tc.IgnoreSyscalls) > 0 {
		r.log.Debug("ignoring syscalls", "syscalls", tc.IgnoreList())
	}
	p, err := r.ctrl.Start(ctx, r.tracerSpec(tc.IgnoreSyscalls))
	r.recordStart(p, err)
	return err
}

func (r *Runner) collectMonitor(ctx context.Context) []error {
	var errs []error
	spec := r.monitorSpec("", "")

	res, err := r.ctrl.Stop(ctx, spec)
	r.recordStop(res, err)
	if err != nil {
		errs = append(errs, err)
	}
	if res.Degraded != nil {
		r.log.Warn("monitor did not stop cleanly", "error", res.Degraded)
	} else if res.State == agent.Stopped {
		r.log.Info("monitor stopped")
	}

	if _, err := os.Stat(spec.OutputFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.log.Info("no monitor output, skipping summary", "file", spec.OutputFile)
			return errs
		}
		return append(errs, fmt.Errorf("monitor output: %w", err))
	}
	if r.cfg.Inputs.Verbose {
		if data, err := os.ReadFile(spec.OutputFile); err == nil {
			r.log.Debug("monitor output", "file", spec.OutputFile, "content", string(data))
		}
	}

	steps, err := r.stepTimestamps(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	events, err := harvest.Harvest(spec.OutputFile, steps, r.log)
	if err != nil {
		return append(errs, err)
	}
	r.log.Info("monitor events harvested", "count", len(events), "correlated", steps != nil)

	s := &report.Summary{}
	s.Table(report.MonitorEventsTable(events, steps != nil))

	if r.cfg.Alerts != nil && len(events) > 0 {
		sent, err := r.cfg.Alerts.Dispatch(ctx, events, r.cfg.RunInfo)
		if err != nil {
			r.log.Warn("alert delivery failed", "error", err)
		}
		r.log.Info("alerts sent", "count", sent)
	}

	r.appendNarrative(ctx, s)
	if err := r.writeReport(s); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// stepTimestamps returns nil steps when correlation must be skipped. Only a
// failed lookup with a credential present is reported as an error.
func (r *Runner) stepTimestamps(ctx context.Context) (*correlate.StepTimestamps, error) {
	if r.cfg.Steps == nil {
		reason := "no step source"
		if r.cfg.StepsErr != nil {
			reason = r.cfg.StepsErr.Error()
		}
		r.log.Warn(reason + ", skipping correlation. Consider granting the workflow actions:read permission")
		return nil, nil
	}
	steps, err := r.cfg.Steps.StepTimestamps(ctx)
	if err != nil {
		r.log.Warn("step timestamps unavailable, skipping correlation", "error", err)
		return nil, fmt.Errorf("step timestamps: %w", err)
	}
	return steps, nil
}

func (r *Runner) collectTracer(ctx context.Context) []error {
	spec := r.tracerSpec(nil)

	res, err := r.ctrl.Stop(ctx, spec)
	r.recordStop(res, err)
	if err != nil {
		return []error{err}
	}
	r.log.Info("tracer stopped")

	size, err := r.ctrl.VerifyOutput(spec)
	if err != nil {
		return []error{err}
	}
	if r.cfg.Inputs.Verbose {
		r.log.Debug("capture file present", "file", spec.OutputFile, "size", size)
	}

	if r.cfg.Artifacts == nil {
		return []error{fmt.Errorf("upload %s: no artifact store", CaptureArtifact)}
	}
	a, err := r.cfg.Artifacts.Upload(ctx, CaptureArtifact, []string{spec.OutputFile}, filepath.Dir(spec.OutputFile))
	if err != nil {
		r.record("post", audit.Entry{Action: "upload", Outcome: audit.OutcomeFailed, Detail: err.Error()})
		return []error{fmt.Errorf("upload %s: %w", CaptureArtifact, err)}
	}
	r.record("post", audit.Entry{Action: "upload", Outcome: audit.OutcomeOK, Detail: fmt.Sprintf("%s id=%s size=%d", CaptureArtifact, a.ID, a.Size)})
	r.log.Info("uploaded capture artifact", "id", a.ID, "size", a.Size)
	return nil
}

func (r *Runner) runAnalysis(ctx context.Context) error {
	if r.cfg.Artifacts == nil {
		return fmt.Errorf("get artifact %s: no artifact store", CaptureArtifact)
	}
	a, err := r.cfg.Artifacts.Get(ctx, CaptureArtifact)
	if err != nil {
		return fmt.Errorf("get artifact %s: %w", CaptureArtifact, err)
	}
	if a.Size == 0 {
		return fmt.Errorf("artifact %s is empty", CaptureArtifact)
	}
	if r.cfg.Inputs.Verbose {
		r.log.Debug("capture artifact", "id", a.ID, "size", a.Size)
	}

	if err := r.cfg.Artifacts.Download(ctx, CaptureArtifact, r.cfg.OutputDir); err != nil {
		return fmt.Errorf("download artifact %s: %w", CaptureArtifact, err)
	}

	tracer := r.tracerSpec(nil)
	if err := r.cfg.PM.Pull(ctx, tracer.Image); err != nil {
		return fmt.Errorf("pull tracer image: %w: %w", agent.ErrImagePull, err)
	}
	monitor := r.monitorSpec("", "")
	if err := r.cfg.PM.Pull(ctx, monitor.Image); err != nil {
		return fmt.Errorf("pull monitor image: %w: %w", agent.ErrImagePull, err)
	}

	r.log.Info("analyzing capture", "file", tracer.OutputFile)
	results, err := analyze.New(r.cfg.PM, tracer.Image, r.cfg.OutputDir, r.log).
		Run(ctx, tracer.OutputFile, analyze.DefaultQueries())
	if err != nil {
		r.record("pre", audit.Entry{Action: "analyze", Outcome: audit.OutcomeFailed, Detail: err.Error()})
		return err
	}
	r.record("pre", audit.Entry{Action: "analyze", Outcome: audit.OutcomeOK, Detail: fmt.Sprintf("%d queries on %s id=%s", len(results), CaptureArtifact, a.ID)})

	s := report.AnalysisSummary(results)
	r.appendNarrative(ctx, s)
	return r.writeReport(s)
}

// appendNarrative adds the optional model summary. Failures never fail the
// phase.
func (r *Runner) appendNarrative(ctx context.Context, s *report.Summary) {
	if r.cfg.Summarize == nil || s.Empty() {
		return
	}
	text, err := r.cfg.Summarize(ctx, s.Markdown())
	switch {
	case errors.Is(err, neurorouter.ErrRateLimited):
		r.log.Warn("summary endpoint rate limited, skipping narrative")
		return
	case err != nil:
		r.log.Warn("summary failed", "error", err)
		return
	}
	s.Heading("Narrative", 2).Paragraph(text)
}

func (r *Runner) writeReport(s *report.Summary) error {
	if r.cfg.SummaryPath != "" {
		return s.WriteStepSummary(r.cfg.SummaryPath)
	}
	return report.Render(r.cfg.Out, s.Markdown())
}

func (r *Runner) record(phase string, e audit.Entry) {
	if r.cfg.Journal == nil {
		return
	}
	e.Phase = phase
	e.Mode = string(r.cfg.Inputs.Mode)
	if err := r.cfg.Journal.Record(e); err != nil {
		r.log.Warn("journal write failed", "action", e.Action, "error", err)
	}
}

func (r *Runner) recordStart(p *agent.AgentProcess, err error) {
	e := audit.Entry{Action: "start", Outcome: audit.OutcomeOK}
	if p != nil {
		e.Kind = p.Kind.String()
		e.Identity = p.Identity
	}
	if err != nil {
		e.Outcome = audit.OutcomeFailed
		e.Detail = err.Error()
	}
	r.record("pre", e)
}

func (r *Runner) recordStop(res agent.StopResult, err error) {
	e := audit.Entry{Action: "stop", Kind: res.Kind.String(), Identity: res.Identity, Outcome: audit.OutcomeOK}
	switch {
	case err != nil:
		e.Outcome = audit.OutcomeFailed
		e.Detail = err.Error()
	case res.Skipped:
		e.Outcome = audit.OutcomeSkipped
	case res.Degraded != nil:
		e.Outcome = audit.OutcomeDegraded
		e.Detail = res.Degraded.Error()
	}
	r.record("post", e)
}
