// Package agent manages the lifecycle of privileged background agents: the
// runtime security monitor and the syscall trace capturer. It launches an
// agent, waits for it to report readiness, confirms the process manager
// lists it, and later stops it and checks its output.
package agent

import "fmt"

// Kind selects which agent a lifecycle manages.
type Kind int

const (
	Monitor Kind = iota
	Tracer
)

func (k Kind) String() string {
	switch k {
	case Monitor:
		return "monitor"
	case Tracer:
		return "tracer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is a lifecycle position.
type State int

const (
	NotStarted State = iota
	Starting
	Running
	Stopping
	Stopped
	Failed
)

var stateNames = [...]string{"not-started", "starting", "running", "stopping", "stopped", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

var transitions = map[State][]State{
	NotStarted: {Starting},
	Starting:   {Running, Failed},
	Running:    {Stopping},
	Stopping:   {Stopped, Failed},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AgentProcess is one launched agent within a phase.
// Identity is empty until the process manager confirms it is running.
type AgentProcess struct {
	Kind             Kind
	Identity         string
	StartArgs        []string
	ReadinessPattern string
	OutputFile       string
	State            State
}

// NewProcess returns an AgentProcess in NotStarted.
func NewProcess(spec Spec) *AgentProcess {
	return &AgentProcess{
		Kind:             spec.Kind,
		StartArgs:        spec.Run.Args(),
		ReadinessPattern: spec.ReadinessPattern,
		OutputFile:       spec.OutputFile,
		State:            NotStarted,
	}
}

// advance moves p to next, refusing illegal steps.
func (p *AgentProcess) advance(next State) error {
	if !CanTransition(p.State, next) {
		return fmt.Errorf("%s agent: illegal transition %s -> %s", p.Kind, p.State, next)
	}
	p.State = next
	return nil
}

// fail moves p to Failed from any state that allows it.
func (p *AgentProcess) fail() {
	if CanTransition(p.State, Failed) {
		p.State = Failed
	}
}
