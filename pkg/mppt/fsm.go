// MPPT control state machine
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mppt

import "mppt-controller/pkg/fixed"

// Step advances the controller by one clock tick.
//
// Every new register value is computed from s and in before the returned
// state is assembled, so all writes of a tick become visible together.
// Reset dominates every other input and takes effect on this tick.
func Step(s State, in Inputs, opts Options) (State, Output) {
	power := in.Sample.Power()

	if in.Reset {
		next := ResetState()
		return next, outputOf(next, power)
	}

	next := s
	next.LastStart = in.Start

	var decision Decision
	decided := false

	switch s.Phase {
	case PhaseIdle:
		if startAsserted(s, in, opts.Trigger) {
			next.Previous, next.PreviousPower = capture(in.Sample)
			next.Phase = s.Phase.next()
		}

	case PhaseCalculate:
		decision = Classify(s.Previous, in.Sample, opts.Arithmetic)
		decided = true
		next.Duty = regulate(s.Duty, decision.Action)
		next.MPPFound = decision.MPPFound
		next.Phase = s.Phase.next()

	case PhaseUpdate:
		next.Previous, next.PreviousPower = capture(in.Sample)
		next.Phase = s.Phase.next()

	default:
		// Unreachable through Step; recover to Idle without touching
		// the duty register.
		next.Phase = PhaseIdle
	}

	out := outputOf(next, power)
	out.Decided = decided
	out.Decision = decision
	return next, out
}

func startAsserted(s State, in Inputs, trig Trigger) bool {
	if !in.Start {
		return false
	}
	if trig == TriggerEdge {
		return !s.LastStart
	}
	return true
}

func capture(sample Sample) (Sample, fixed.Q88) {
	return sample, sample.Power()
}

func outputOf(s State, power fixed.Q88) Output {
	return Output{
		Duty:     s.Duty,
		MPPFound: s.MPPFound,
		Power:    power,
		Phase:    s.Phase,
	}
}
