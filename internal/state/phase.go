package state

import (
	"fmt"
	"strings"
)

// Mode selects which agent, if any, a job run manages.
type Mode string

const (
	ModeLive    Mode = "live"
	ModeRecord  Mode = "record"
	ModeAnalyze Mode = "analyze"
)

// ParseMode accepts live, record or analyze in any case.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLive, ModeRecord, ModeAnalyze:
		return m, nil
	case "":
		return ModeLive, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be live, record or analyze", s)
	}
}

// PhaseState is computed once per invocation.
type PhaseState struct {
	IsPost bool
	Mode   Mode
}

func (p PhaseState) String() string {
	if p.IsPost {
		return "post/" + string(p.Mode)
	}
	return "pre/" + string(p.Mode)
}

// DetectPhase reports the post phase if the isPost flag is present;
// otherwise it is the pre phase and the flag is written for the next
// invocation.
func DetectPhase(store Store, mode Mode) (PhaseState, error) {
	v, err := store.Load(KeyIsPost)
	if err != nil {
		return PhaseState{}, fmt.Errorf("detect phase: %w", err)
	}
	if v != "" {
		return PhaseState{IsPost: true, Mode: mode}, nil
	}
	if err := store.Save(KeyIsPost, "true"); err != nil {
		return PhaseState{}, fmt.Errorf("detect phase: %w", err)
	}
	return PhaseState{IsPost: false, Mode: mode}, nil
}
