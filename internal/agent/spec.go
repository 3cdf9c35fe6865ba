package agent

import (
	"path/filepath"
	"strings"

	"github.com/ppiankov/runwatch/internal/docker"
)

const (
	MonitorImageRepo = "falcosecurity/falco"
	TracerImage      = "sysdig/sysdig:latest"

	// MonitorReadyPattern appears in the monitor's log once its syscall
	// source is open.
	MonitorReadyPattern = "Opening 'syscall' source with modern BPF probe."

	MonitorOutputName = "falco_events.json"
	TracerOutputName  = "capture.scap"

	// State store keys.
	MonitorStateKey = "falcoContainerId"
	TracerStateKey  = "sysdigContainerId"

	customRulesTarget = "/etc/falco/falco_rules.local.yaml"
	cicdRulesTarget   = "/etc/falco/rules.d/cicd_rules.yaml"
)

// Spec is everything the controller needs to drive one agent kind.
type Spec struct {
	Kind             Kind
	Name             string
	Image            string
	StateKey         string
	ReadinessPattern string
	// OutputFile is the host path of the agent's events or capture.
	OutputFile string
	Match      Match
	Run        docker.RunSpec
}

// MonitorOptions configures the runtime security monitor.
type MonitorOptions struct {
	Version        string
	CustomRuleFile string
	CICDRulesFile  string
	OutputDir      string
}

// MonitorSpec builds the launch description for the monitor agent.
func MonitorSpec(opts MonitorOptions) Spec {
	version := opts.Version
	if version == "" {
		version = "latest"
	}
	dir := outputDir(opts.OutputDir)
	outFile := filepath.Join(dir, MonitorOutputName)

	mounts := []docker.Mount{
		{Source: dir, Target: dir},
		{Source: "/var/run/docker.sock", Target: "/host/var/run/docker.sock"},
		{Source: "/proc", Target: "/host/proc", ReadOnly: true},
		{Source: "/etc", Target: "/host/etc", ReadOnly: true},
	}
	if opts.CustomRuleFile != "" {
		mounts = append(mounts, docker.Mount{Source: opts.CustomRuleFile, Target: customRulesTarget, ReadOnly: true})
	}
	if opts.CICDRulesFile != "" {
		mounts = append(mounts, docker.Mount{Source: opts.CICDRulesFile, Target: cicdRulesTarget, ReadOnly: true})
	}

	image := MonitorImageRepo + ":" + version
	return Spec{
		Kind:             Monitor,
		Name:             "falco",
		Image:            image,
		StateKey:         MonitorStateKey,
		ReadinessPattern: MonitorReadyPattern,
		OutputFile:       outFile,
		Match:            PrefixMatch(12),
		Run: docker.RunSpec{
			Name:       "falco",
			Image:      image,
			Privileged: true,
			Detach:     true,
			Remove:     true,
			Mounts:     mounts,
			Command: []string{
				"falco",
				"-o", "json_output=true",
				"-o", "file_output.enabled=true",
				"-o", "file_output.keep_alive=false",
				"-o", "file_output.filename=" + outFile,
				"-o", "engine.kind=modern_ebpf",
			},
		},
	}
}

// TracerOptions configures the syscall trace capturer.
type TracerOptions struct {
	IgnoreSyscalls []string
	OutputDir      string
}

// TracerSpec builds the launch description for the tracer agent. Ignored
// syscalls extend the capture filter as a comma separated list.
func TracerSpec(opts TracerOptions) Spec {
	dir := outputDir(opts.OutputDir)
	outFile := filepath.Join(dir, TracerOutputName)

	cmd := []string{
		"sysdig", "--modern-bpf",
		"-w", outFile,
		"--snaplen=256",
		"not evt.type in (switch)",
	}
	if len(opts.IgnoreSyscalls) > 0 {
		cmd = append(cmd, "and not evt.type in (", strings.Join(opts.IgnoreSyscalls, ", "), " )")
	}

	return Spec{
		Kind:       Tracer,
		Name:       "sysdig",
		Image:      TracerImage,
		StateKey:   TracerStateKey,
		OutputFile: outFile,
		Match:      PrefixMatch(12),
		Run: docker.RunSpec{
			Name:        "sysdig",
			Image:       TracerImage,
			Privileged:  true,
			Detach:      true,
			Remove:      true,
			HostNetwork: true,
			Mounts: []docker.Mount{
				{Source: "/var/run/docker.sock", Target: "/host/var/run/docker.sock"},
				{Source: "/dev", Target: "/host/dev"},
				{Source: "/proc", Target: "/host/proc", ReadOnly: true},
				{Source: "/boot", Target: "/host/boot", ReadOnly: true},
				{Source: "/lib/modules", Target: "/host/lib/modules", ReadOnly: true},
				{Source: "/usr", Target: "/host/usr", ReadOnly: true},
				{Source: dir, Target: dir},
			},
			Command: cmd,
		},
	}
}

func outputDir(dir string) string {
	if dir == "" {
		return "/tmp"
	}
	return dir
}
