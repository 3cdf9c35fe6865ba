// Package config reads the action's inputs and the files they point to.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/runwatch/internal/state"
)

// ErrParse reports malformed configuration.
var ErrParse = errors.New("config parse error")

// DefaultConfigFile is the tracer config shipped with the action.
const DefaultConfigFile = "filters/syscall_ignore.config"

// Inputs holds the action inputs.
type Inputs struct {
	Mode           state.Mode
	Version        string
	CustomRuleFile string
	CICDRules      bool
	ConfigFile     string
	Verbose        bool

	AlertWebhook     string
	AlertFormat      string
	AlertMinPriority string
	// AlertMaxPerRule caps alerts per rule per minute. Zero disables.
	AlertMaxPerRule int

	SummaryAPIURL string
	SummaryAPIKey string
	SummaryModel  string

	// ReadinessTimeout bounds the monitor readiness wait. Zero waits
	// indefinitely.
	ReadinessTimeout time.Duration
}

// Getenv looks up an environment variable.
type Getenv func(string) string

// Input returns the value of the named action input.
func Input(getenv Getenv, name string) string {
	key := "INPUT_" + strings.ToUpper(strings.ReplaceAll(name, " ", "_"))
	return strings.TrimSpace(getenv(key))
}

// LoadInputs reads inputs from INPUT_* variables and applies defaults.
func LoadInputs(getenv Getenv) (Inputs, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	var in Inputs
	var err error

	if in.Mode, err = state.ParseMode(Input(getenv, "mode")); err != nil {
		return in, fmt.Errorf("%w: input mode: %w", ErrParse, err)
	}

	in.Version = firstNonEmpty(Input(getenv, "version"), Input(getenv, "falco-version"), "latest")
	in.CustomRuleFile = Input(getenv, "custom-rule-file")

	if in.CICDRules, err = boolInput(getenv, "cicd-rules", true); err != nil {
		return in, err
	}
	if in.Verbose, err = boolInput(getenv, "verbose", false); err != nil {
		return in, err
	}

	in.ConfigFile = resolveActionPath(getenv, firstNonEmpty(Input(getenv, "config-file"), DefaultConfigFile))

	in.AlertWebhook = Input(getenv, "alert-webhook")
	in.AlertFormat = firstNonEmpty(Input(getenv, "alert-format"), "generic")
	in.AlertMinPriority = firstNonEmpty(Input(getenv, "alert-min-priority"), "Warning")
	in.AlertMaxPerRule = 10
	if raw := Input(getenv, "alert-max-per-rule"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return in, fmt.Errorf("%w: input alert-max-per-rule: %q is not a non-negative integer", ErrParse, raw)
		}
		in.AlertMaxPerRule = n
	}

	in.SummaryAPIURL = Input(getenv, "summary-api-url")
	in.SummaryAPIKey = Input(getenv, "summary-api-key")
	in.SummaryModel = Input(getenv, "summary-model")

	if raw := Input(getenv, "readiness-timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return in, fmt.Errorf("%w: input readiness-timeout: %q is not a non-negative duration", ErrParse, raw)
		}
		in.ReadinessTimeout = d
	}
	return in, nil
}

// Log writes the inputs at info level, omitting secrets.
func (in Inputs) Log(log *slog.Logger) {
	log.Info("inputs",
		"mode", string(in.Mode),
		"version", in.Version,
		"config_file", in.ConfigFile,
		"custom_rule_file", in.CustomRuleFile,
		"cicd_rules", in.CICDRules,
		"verbose", in.Verbose,
		"alerts", in.AlertWebhook != "",
		"summary", in.SummaryAPIURL != "",
	)
}

// ParseBool accepts the YAML 1.2 core boolean spellings.
func ParseBool(s string) (bool, error) {
	switch s {
	case "true", "True", "TRUE":
		return true, nil
	case "false", "False", "FALSE":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not a boolean (true|True|TRUE|false|False|FALSE)", ErrParse, s)
}

func boolInput(getenv Getenv, name string, def bool) (bool, error) {
	raw := Input(getenv, name)
	if raw == "" {
		return def, nil
	}
	b, err := ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("input %s: %w", name, err)
	}
	return b, nil
}

// resolveActionPath anchors a relative path at GITHUB_ACTION_PATH when set.
func resolveActionPath(getenv Getenv, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if base := getenv("GITHUB_ACTION_PATH"); base != "" {
		return filepath.Join(base, p)
	}
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
