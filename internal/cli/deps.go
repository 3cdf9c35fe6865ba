package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ppiankov/runwatch/internal/alert"
	"github.com/ppiankov/runwatch/internal/artifact"
	"github.com/ppiankov/runwatch/internal/audit"
	"github.com/ppiankov/runwatch/internal/config"
	"github.com/ppiankov/runwatch/internal/docker"
	"github.com/ppiankov/runwatch/internal/ghsteps"
	"github.com/ppiankov/runwatch/internal/harvest"
	"github.com/ppiankov/runwatch/internal/phase"
	"github.com/ppiankov/runwatch/internal/ratelimit"
	"github.com/ppiankov/runwatch/internal/state"
	"github.com/ppiankov/runwatch/internal/summary"
)

// phaseOptions are the flags shared by run, pre, post and analyze.
type phaseOptions struct {
	mode        string
	stateDir    string
	stateDB     string
	artifactDir string
	outputDir   string
	journal     string
}

// loadInputs reads the action inputs and applies flag overrides.
func loadInputs(opts phaseOptions) (config.Inputs, error) {
	in, err := config.LoadInputs(os.Getenv)
	if err != nil {
		return in, err
	}
	if opts.mode != "" {
		if in.Mode, err = state.ParseMode(opts.mode); err != nil {
			return in, fmt.Errorf("%w: --mode: %w", config.ErrParse, err)
		}
	}
	if verbose {
		in.Verbose = true
	}
	if in.AlertWebhook != "" {
		if _, err := harvest.ParsePriority(in.AlertMinPriority); err != nil {
			return in, fmt.Errorf("%w: input alert-min-priority: %w", config.ErrParse, err)
		}
	}
	return in, nil
}

// openStore picks the cross-phase store: the runner's state file under
// GitHub Actions, else SQLite when --state-db is set, else a directory.
func openStore(opts phaseOptions) (state.Store, func(), error) {
	if path := os.Getenv("GITHUB_STATE"); path != "" && opts.stateDB == "" && opts.stateDir == "" {
		return state.NewActionsStore(path, os.Getenv), func() {}, nil
	}
	if opts.stateDB != "" {
		s, err := state.OpenSQLite(opts.stateDB)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	dir := opts.stateDir
	if dir == "" {
		dir = state.DefaultDir()
	}
	s, err := state.NewFileStore(dir)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {}, nil
}

// newRunner wires a phase runner from the environment and flags.
func newRunner(opts phaseOptions) (*phase.Runner, func(), error) {
	in, err := loadInputs(opts)
	if err != nil {
		return nil, nil, err
	}
	if in.Verbose {
		in.Log(logger)
	}

	store, closeStore, err := openStore(opts)
	if err != nil {
		return nil, nil, err
	}

	artifactDir := opts.artifactDir
	if artifactDir == "" {
		artifactDir = artifact.DefaultDir()
	}
	arts, err := artifact.NewDirStore(artifactDir)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	cfg := phase.Config{
		Inputs:      in,
		PM:          docker.NewClient(docker.ExecRunner{}, logger),
		Store:       store,
		Artifacts:   arts,
		RunInfo:     alert.RunInfo{Repository: os.Getenv("GITHUB_REPOSITORY"), RunID: os.Getenv("GITHUB_RUN_ID")},
		SummaryPath: os.Getenv("GITHUB_STEP_SUMMARY"),
		WorkDir:     os.Getenv("RUNNER_TEMP"),
		OutputDir:   opts.outputDir,
		Log:         logger,
	}

	if ghCfg, err := ghsteps.ConfigFromEnv(os.Getenv); err != nil {
		cfg.StepsErr = err
	} else if client, err := ghsteps.New(ghCfg, nil, logger); err != nil {
		cfg.StepsErr = err
	} else {
		cfg.Steps = client
	}

	if in.AlertWebhook != "" {
		cfg.Alerts = alert.NewDispatcher([]alert.AlertConfig{{
			URL:         in.AlertWebhook,
			Format:      in.AlertFormat,
			MinPriority: in.AlertMinPriority,
			RateLimit:   &ratelimit.Limit{MaxEvents: in.AlertMaxPerRule, Window: time.Minute},
		}}, logger)
	}

	if in.SummaryAPIURL != "" {
		sc := summary.Config{APIURL: in.SummaryAPIURL, APIKey: in.SummaryAPIKey, Model: in.SummaryModel}
		cfg.Summarize = func(ctx context.Context, report string) (string, error) {
			return summary.Summarize(ctx, sc, report)
		}
	}

	cleanup := closeStore
	if opts.journal != "" {
		j, err := audit.Open(opts.journal)
		if err != nil {
			closeStore()
			return nil, nil, err
		}
		cfg.Journal = j
		cleanup = func() {
			_ = j.Close()
			closeStore()
		}
	}

	return phase.New(cfg), cleanup, nil
}
