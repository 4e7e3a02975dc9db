package session

import (
	"fmt"
	"slices"
)

// Phase is a stage in a session's provisioning state machine.
type Phase string

const (
	PhaseStarting          Phase = "Starting"
	PhasePullingImage      Phase = "PullingImage"
	PhaseCreatingVolume    Phase = "CreatingVolume"
	PhaseCreatingContainer Phase = "CreatingContainer"
	PhaseStartingContainer Phase = "StartingContainer"
	PhaseReady             Phase = "Ready"
	PhaseFailed            Phase = "Failed"
	PhaseStopped           Phase = "Stopped"
)

// provisioningOrder is the forward chain. Failed and Stopped sit outside it.
var provisioningOrder = []Phase{
	PhaseStarting,
	PhasePullingImage,
	PhaseCreatingVolume,
	PhaseCreatingContainer,
	PhaseStartingContainer,
	PhaseReady,
}

// transitions lists every allowed edge. Forward jumps are allowed so that a
// reused container can go straight from Starting to Ready.
var transitions = map[Phase][]Phase{
	PhaseStarting: {
		PhasePullingImage, PhaseCreatingVolume, PhaseCreatingContainer,
		PhaseStartingContainer, PhaseReady, PhaseFailed, PhaseStopped,
	},
	PhasePullingImage: {
		PhaseCreatingVolume, PhaseCreatingContainer, PhaseStartingContainer,
		PhaseReady, PhaseFailed, PhaseStopped,
	},
	PhaseCreatingVolume: {
		PhaseCreatingContainer, PhaseStartingContainer, PhaseReady,
		PhaseFailed, PhaseStopped,
	},
	PhaseCreatingContainer: {
		PhaseStartingContainer, PhaseReady, PhaseFailed, PhaseStopped,
	},
	PhaseStartingContainer: {
		PhaseReady, PhaseFailed, PhaseStopped,
	},
	PhaseReady: {
		PhaseFailed, PhaseStopped,
	},
	PhaseFailed:  {},
	PhaseStopped: {},
}

func init() {
	if err := checkTransitions(); err != nil {
		panic(err)
	}
}

// checkTransitions verifies the table covers every phase, only moves
// forward along the provisioning chain, and keeps Failed and Stopped
// absorbing and reachable from every other phase.
func checkTransitions() error {
	all := AllPhases()
	if len(transitions) != len(all) {
		return fmt.Errorf("session: transition table has %d phases, want %d", len(transitions), len(all))
	}
	for _, from := range all {
		targets, ok := transitions[from]
		if !ok {
			return fmt.Errorf("session: phase %s missing from transition table", from)
		}
		if from.Terminal() {
			if len(targets) != 0 {
				return fmt.Errorf("session: terminal phase %s has outgoing transitions", from)
			}
			continue
		}
		for _, term := range []Phase{PhaseFailed, PhaseStopped} {
			if !slices.Contains(targets, term) {
				return fmt.Errorf("session: %s cannot reach %s", from, term)
			}
		}
		for _, to := range targets {
			if !to.Valid() {
				return fmt.Errorf("session: %s -> unknown phase %q", from, to)
			}
			if !to.Terminal() && to.rank() <= from.rank() {
				return fmt.Errorf("session: %s -> %s moves backwards", from, to)
			}
		}
	}
	return nil
}

// AllPhases returns every phase in chain order followed by the terminal ones.
func AllPhases() []Phase {
	return append(slices.Clone(provisioningOrder), PhaseFailed, PhaseStopped)
}

// ParsePhase converts a stored string back into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

func (p Phase) String() string { return string(p) }

func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseFailed || p == PhaseStopped
}

// Provisioning reports whether a provisioning task may still be running.
func (p Phase) Provisioning() bool {
	return p.Valid() && !p.Terminal() && p != PhaseReady
}

// CanTransition reports whether from -> to is in the table. Staying in the
// same phase is always allowed for non-terminal phases.
func CanTransition(from, to Phase) bool {
	if from == to {
		return !from.Terminal()
	}
	return slices.Contains(transitions[from], to)
}

func (p Phase) rank() int {
	return slices.Index(provisioningOrder, p)
}
