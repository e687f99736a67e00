// Package outputctl implements the per-output state machine that
// reconciles a run plan against real relay state, subject to anti-chatter
// timers, parent/UPS/input-pin gating and app overrides.
package outputctl

import "time"

// State is one node of the controller's state machine.
type State string

const (
	StateOff        State = "OFF"
	StateOn         State = "ON"
	StateTurningOn  State = "TURNING_ON"
	StateTurningOff State = "TURNING_OFF"
	StateLockedOn   State = "LOCKED_ON"
	StateLockedOff  State = "LOCKED_OFF"
	StateFault      State = "FAULT"
)

// Action is what the controller must do as a side effect of a transition.
type Action int

const (
	ActionNone Action = iota
	ActionRunTurnOnSequence
	ActionRunTurnOffSequence
)

// Override captures an active app override's forced direction.
type Override struct {
	Active bool
	On     bool
}

// Guards bundles every input the state machine's transition table consults.
// InputForce resolves an output's input-pin configuration to a single
// tri-state signal: nil means the pin does not currently force anything.
type Guards struct {
	PlanOn      bool
	ParentOn    bool // true when the output has no parent, or the parent is ON
	UPSOk       bool // true when the output has no UPS link, or it is healthy
	InputForce  *bool
	Override    Override
	TimeInState time.Duration
	MinOn       time.Duration
	MinOff      time.Duration
	MaxOff      time.Duration // 0 disables the forced-exercise rule
}

// Decide computes the next state and any side-effecting action for one tick.
//
// MinOn/MinOff locks are enforced by construction rather than by re-checking
// elapsed time here: ON is only ever reached via LOCKED_ON once MinOn has
// elapsed, and OFF only via LOCKED_OFF once MinOff has elapsed (or via a
// forced MaxOff exercise), so by the time a tick observes the ON or OFF
// state the corresponding lock has already been satisfied.
func Decide(current State, g Guards) (State, Action) {
	if g.Override.Active {
		return decideOverride(current, g)
	}

	switch current {
	case StateOff:
		if g.InputForce != nil {
			if *g.InputForce {
				return StateTurningOn, ActionRunTurnOnSequence
			}
			return StateOff, ActionNone
		}
		if g.MaxOff > 0 && g.TimeInState >= g.MaxOff {
			return StateTurningOn, ActionRunTurnOnSequence
		}
		if g.PlanOn && g.ParentOn && g.UPSOk {
			return StateTurningOn, ActionRunTurnOnSequence
		}
		return StateOff, ActionNone

	case StateOn:
		if g.InputForce != nil && !*g.InputForce {
			return StateTurningOff, ActionRunTurnOffSequence
		}
		if !g.PlanOn || !g.ParentOn || !g.UPSOk {
			return StateTurningOff, ActionRunTurnOffSequence
		}
		return StateOn, ActionNone

	case StateLockedOn:
		if g.TimeInState >= g.MinOn {
			return StateOn, ActionNone
		}
		return StateLockedOn, ActionNone

	case StateLockedOff:
		if g.TimeInState >= g.MinOff {
			return StateOff, ActionNone
		}
		return StateLockedOff, ActionNone

	case StateTurningOn, StateTurningOff:
		// Resolved externally by the sequence runner's result, not by a tick.
		return current, ActionNone

	case StateFault:
		if g.PlanOn {
			return StateTurningOn, ActionRunTurnOnSequence
		}
		return StateTurningOff, ActionRunTurnOffSequence

	default:
		return current, ActionNone
	}
}

func decideOverride(current State, g Guards) (State, Action) {
	if g.Override.On {
		if current == StateOn || current == StateLockedOn || current == StateTurningOn {
			return current, ActionNone
		}
		return StateTurningOn, ActionRunTurnOnSequence
	}
	if current == StateOff || current == StateLockedOff || current == StateTurningOff {
		return current, ActionNone
	}
	return StateTurningOff, ActionRunTurnOffSequence
}
