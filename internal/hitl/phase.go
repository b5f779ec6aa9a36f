package hitl

import (
	"errors"
	"fmt"
)

// Phase is where a thread sits in the approval protocol.
type Phase string

const (
	PhaseIdle       Phase = ""
	PhaseRunning    Phase = "running"
	PhaseSuspended  Phase = "suspended"
	PhaseResuming   Phase = "resuming"
	PhaseTerminated Phase = "terminated"
	PhaseExpired    Phase = "expired"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

var ErrInvalidTransition = errors.New("invalid phase transition")

var allowedPhaseTransitions = map[Phase]map[Phase]struct{}{
	PhaseIdle: {
		PhaseRunning: {},
	},
	PhaseRunning: {
		PhaseSuspended: {},
		PhaseCompleted: {},
		PhaseFailed:    {},
	},
	PhaseSuspended: {
		PhaseResuming: {},
		PhaseExpired:  {},
	},
	PhaseResuming: {
		PhaseRunning:    {},
		PhaseTerminated: {},
		PhaseExpired:    {},
		PhaseFailed:     {},
	},
	PhaseTerminated: {
		PhaseRunning: {},
	},
	PhaseExpired: {
		PhaseRunning: {},
	},
	PhaseCompleted: {
		PhaseRunning: {},
	},
	PhaseFailed: {
		PhaseRunning: {},
	},
}

// ValidateTransition checks from -> to against the phase table.
func ValidateTransition(from, to Phase) error {
	if from == to {
		return nil
	}
	allowed, ok := allowedPhaseTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source phase %q", ErrInvalidTransition, from)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, displayPhase(from), displayPhase(to))
	}
	return nil
}

// Transition moves *p to the target phase when allowed.
func Transition(p *Phase, to Phase) error {
	if err := ValidateTransition(*p, to); err != nil {
		return err
	}
	*p = to
	return nil
}

// Settled reports whether a new turn may start from p.
func (p Phase) Settled() bool {
	switch p {
	case PhaseIdle, PhaseTerminated, PhaseExpired, PhaseCompleted, PhaseFailed:
		return true
	default:
		return false
	}
}

func displayPhase(p Phase) string {
	if p == PhaseIdle {
		return "idle"
	}
	return string(p)
}
