// Duty-cycle regulator
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mppt

import "mppt-controller/pkg/fixed"

// regulate applies one fixed DutyStep in the direction of action and
// clamps the result to [MinDuty, MaxDuty]. It is the only path that
// changes the duty register outside of reset.
func regulate(duty fixed.Q88, action Action) fixed.Q88 {
	switch action {
	case ActionIncrease:
		// Compare before adding so the 16-bit word cannot wrap.
		if duty >= MaxDuty-DutyStep {
			return MaxDuty
		}
		return clampDuty(duty + DutyStep)
	case ActionDecrease:
		if duty <= MinDuty+DutyStep {
			return MinDuty
		}
		return clampDuty(duty - DutyStep)
	default:
		return clampDuty(duty)
	}
}

func clampDuty(duty fixed.Q88) fixed.Q88 {
	if duty < MinDuty {
		return MinDuty
	}
	if duty > MaxDuty {
		return MaxDuty
	}
	return duty
}
