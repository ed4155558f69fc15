// Incremental conductance decision engine
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mppt

import (
	"encoding/json"
	"fmt"

	"mppt-controller/pkg/fixed"
)

// Action is the duty-cycle direction chosen by a decision.
type Action uint8

const (
	ActionHold Action = iota
	ActionIncrease
	ActionDecrease
)

func (a Action) String() string {
	switch a {
	case ActionHold:
		return "hold"
	case ActionIncrease:
		return "increase"
	case ActionDecrease:
		return "decrease"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the action by name.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// Decision is the result of classifying one pair of samples.
type Decision struct {
	DV       fixed.Q88 `json:"dv"`
	DI       fixed.Q88 `json:"di"`
	Action   Action    `json:"action"`
	MPPFound bool      `json:"mpp_found"`
}

func (d Decision) String() string {
	return fmt.Sprintf("dv=0x%04X di=0x%04X %s mpp=%t", uint16(d.DV), uint16(d.DI), d.Action, d.MPPFound)
}

// positive reports whether a difference reads as rising.
// Zero is handled by the caller.
func positive(d fixed.Q88, arith Arithmetic) bool {
	if arith == ArithmeticSigned {
		return d.Signed() > 0
	}
	// Any nonzero unsigned word is greater than zero.
	return d > 0
}

// Decide classifies the operating point from the wraparound differences
// dv and di.
//
//	dv == 0, di == 0            hold, MPP found
//	dv == 0, di rising          increase
//	dv == 0, di falling         decrease
//	dv != 0, di == 0            hold, MPP found
//	dv != 0, di same direction  increase
//	dv != 0, di opposite        decrease
//
// Under ArithmeticLegacy a nonzero di always reads as rising and always
// agrees with dv, so every nonzero di increases the duty.
func Decide(dv, di fixed.Q88, arith Arithmetic) Decision {
	d := Decision{DV: dv, DI: di}

	if di == 0 {
		d.Action = ActionHold
		d.MPPFound = true
		return d
	}

	diUp := positive(di, arith)
	if dv == 0 {
		if diUp {
			d.Action = ActionIncrease
		} else {
			d.Action = ActionDecrease
		}
		return d
	}

	if diUp == positive(dv, arith) {
		d.Action = ActionIncrease
	} else {
		d.Action = ActionDecrease
	}
	return d
}

// Classify computes dv and di of cur against prev and decides.
func Classify(prev, cur Sample, arith Arithmetic) Decision {
	dv := fixed.WrapSub(cur.Voltage, prev.Voltage)
	di := fixed.WrapSub(cur.Current, prev.Current)
	return Decide(dv, di, arith)
}
