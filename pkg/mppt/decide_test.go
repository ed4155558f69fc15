// Decision engine and regulator tests
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mppt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mppt-controller/pkg/fixed"
)

func TestClassifyTable(t *testing.T) {
	base := Sample{Voltage: 0x1000, Current: 0x0800}
	tests := []struct {
		name       string
		cur        Sample
		wantLegacy Action
		wantSigned Action
		wantMPP    bool
	}{
		{"no change", Sample{0x1000, 0x0800}, ActionHold, ActionHold, true},
		{"voltage moved, current flat", Sample{0x1010, 0x0800}, ActionHold, ActionHold, true},
		{"voltage fell, current flat", Sample{0x0FF0, 0x0800}, ActionHold, ActionHold, true},
		{"voltage flat, current rose", Sample{0x1000, 0x0810}, ActionIncrease, ActionIncrease, false},
		{"voltage flat, current fell", Sample{0x1000, 0x07F0}, ActionIncrease, ActionDecrease, false},
		{"both rose", Sample{0x1010, 0x0810}, ActionIncrease, ActionIncrease, false},
		{"both fell", Sample{0x0FF0, 0x07F0}, ActionIncrease, ActionIncrease, false},
		{"voltage rose, current fell", Sample{0x1010, 0x07F0}, ActionIncrease, ActionDecrease, false},
		{"voltage fell, current rose", Sample{0x0FF0, 0x0810}, ActionIncrease, ActionDecrease, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			legacy := Classify(base, tt.cur, ArithmeticLegacy)
			assert.Equal(t, tt.wantLegacy, legacy.Action, "legacy")
			assert.Equal(t, tt.wantMPP, legacy.MPPFound, "legacy mpp")

			signed := Classify(base, tt.cur, ArithmeticSigned)
			assert.Equal(t, tt.wantSigned, signed.Action, "signed")
			assert.Equal(t, tt.wantMPP, signed.MPPFound, "signed mpp")
		})
	}
}

func TestDecideUsesWraparoundDifferences(t *testing.T) {
	d := Classify(Sample{Voltage: 0x0001, Current: 0x0001}, Sample{Voltage: 0x0000, Current: 0x0000}, ArithmeticLegacy)
	assert.Equal(t, fixed.Q88(0xFFFF), d.DV)
	assert.Equal(t, fixed.Q88(0xFFFF), d.DI)
	assert.Equal(t, ActionIncrease, d.Action)
}

func TestDecideSignedBoundary(t *testing.T) {
	// 0x8000 is the most negative int16; it must read as falling.
	d := Decide(0, 0x8000, ArithmeticSigned)
	assert.Equal(t, ActionDecrease, d.Action)

	d = Decide(0, 0x7FFF, ArithmeticSigned)
	assert.Equal(t, ActionIncrease, d.Action)

	d = Decide(0, 0x8000, ArithmeticLegacy)
	assert.Equal(t, ActionIncrease, d.Action)
}

func TestLegacyNeverDecreases(t *testing.T) {
	for dv := 0; dv <= 0xFFFF; dv += 0x0101 {
		for di := 0; di <= 0xFFFF; di += 0x0303 {
			d := Decide(fixed.Q88(dv), fixed.Q88(di), ArithmeticLegacy)
			require.NotEqual(t, ActionDecrease, d.Action, "dv=%04x di=%04x", dv, di)
		}
	}
}

func TestRegulate(t *testing.T) {
	tests := []struct {
		name   string
		duty   fixed.Q88
		action Action
		want   fixed.Q88
	}{
		{"increase from reset", ResetDuty, ActionIncrease, 0x2040},
		{"decrease from reset", ResetDuty, ActionDecrease, 0x1FC0},
		{"hold", ResetDuty, ActionHold, ResetDuty},
		{"increase to exactly max", 0x3FBF, ActionIncrease, MaxDuty},
		{"increase past max clamps", 0x3FC0, ActionIncrease, MaxDuty},
		{"increase at max stays", MaxDuty, ActionIncrease, MaxDuty},
		{"decrease to exactly min", 0x0041, ActionDecrease, MinDuty},
		{"decrease past min clamps", 0x0020, ActionDecrease, MinDuty},
		{"decrease at min stays", MinDuty, ActionDecrease, MinDuty},
		{"decrease just above band", 0x0042, ActionDecrease, 0x0002},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, regulate(tt.duty, tt.action))
		})
	}
}

func TestParseOptions(t *testing.T) {
	a, err := ParseArithmetic("Signed")
	require.NoError(t, err)
	assert.Equal(t, ArithmeticSigned, a)

	a, err = ParseArithmetic("")
	require.NoError(t, err)
	assert.Equal(t, ArithmeticLegacy, a)

	_, err = ParseArithmetic("float")
	assert.Error(t, err)

	tr, err := ParseTrigger("edge")
	require.NoError(t, err)
	assert.Equal(t, TriggerEdge, tr)

	_, err = ParseTrigger("pulse")
	assert.Error(t, err)
}

func TestActionJSON(t *testing.T) {
	b, err := json.Marshal(Decision{DV: 1, DI: 2, Action: ActionDecrease})
	require.NoError(t, err)
	assert.JSONEq(t, `{"dv":1,"di":2,"action":"decrease","mpp_found":false}`, string(b))
}
