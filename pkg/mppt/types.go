// MPPT controller data types
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package mppt implements the Incremental Conductance maximum power point
// tracking controller as a synchronous three-phase state machine over
// Q8.8 voltage and current samples.
//
// The controller is advanced one clock tick at a time. A full decision
// (capture, classify, recapture) takes three ticks:
//
//	Idle --start--> Calculate --> Update --> Idle
//
// Step is the pure transition function; Controller owns one State and
// exposes the Reset/Tick stepping API.
package mppt

import (
	"fmt"
	"strings"

	"mppt-controller/pkg/fixed"
)

// Duty-cycle limits and step, all Q8.8 raw words.
const (
	DutyStep  fixed.Q88 = 0x0040
	MinDuty   fixed.Q88 = 0x0001
	MaxDuty   fixed.Q88 = 0x3FFF
	ResetDuty fixed.Q88 = 0x2000
)

// DutyDenominator is the PWM period in duty counts. Converter drivers
// program the switch on-time as Duty/DutyDenominator of the period.
const DutyDenominator = 16384

// Phase is the FSM state.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseCalculate
	PhaseUpdate
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCalculate:
		return "calculate"
	case PhaseUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// next returns the successor phase in the fixed cycle.
func (p Phase) next() Phase {
	switch p {
	case PhaseCalculate:
		return PhaseUpdate
	case PhaseUpdate:
		return PhaseIdle
	default:
		return PhaseCalculate
	}
}

// Sample is one voltage/current measurement.
type Sample struct {
	Voltage fixed.Q88 `json:"voltage"`
	Current fixed.Q88 `json:"current"`
}

// Power returns the instantaneous power of the sample.
func (s Sample) Power() fixed.Q88 {
	return fixed.Power(s.Voltage, s.Current)
}

func (s Sample) String() string {
	return fmt.Sprintf("V=%s I=%s", s.Voltage, s.Current)
}

// Arithmetic selects how the decision engine reads the direction of a
// difference.
type Arithmetic uint8

const (
	// ArithmeticLegacy treats every nonzero unsigned difference as
	// positive. A falling voltage or current therefore reads as rising.
	ArithmeticLegacy Arithmetic = iota

	// ArithmeticSigned reads differences as two's complement int16 and
	// compares their signs.
	ArithmeticSigned
)

func (a Arithmetic) String() string {
	switch a {
	case ArithmeticLegacy:
		return "legacy"
	case ArithmeticSigned:
		return "signed"
	default:
		return "unknown"
	}
}

// ParseArithmetic parses "legacy" or "signed".
func ParseArithmetic(s string) (Arithmetic, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legacy", "":
		return ArithmeticLegacy, nil
	case "signed":
		return ArithmeticSigned, nil
	default:
		return 0, fmt.Errorf("mppt: unknown arithmetic %q", s)
	}
}

// Trigger selects how the start input is sampled in Idle.
type Trigger uint8

const (
	// TriggerLevel captures on every Idle tick that sees start high, so a
	// held start re-enters Calculate immediately after Update.
	TriggerLevel Trigger = iota

	// TriggerEdge captures only when start is high and was low on the
	// previous tick.
	TriggerEdge
)

func (t Trigger) String() string {
	switch t {
	case TriggerLevel:
		return "level"
	case TriggerEdge:
		return "edge"
	default:
		return "unknown"
	}
}

// ParseTrigger parses "level" or "edge".
func ParseTrigger(s string) (Trigger, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "level", "":
		return TriggerLevel, nil
	case "edge":
		return TriggerEdge, nil
	default:
		return 0, fmt.Errorf("mppt: unknown trigger %q", s)
	}
}

// Options configures the controller's policy choices. The zero value is
// the bit-exact legacy behavior with level-sampled start.
type Options struct {
	Arithmetic Arithmetic
	Trigger    Trigger
}

// State holds the controller registers.
type State struct {
	Previous      Sample    `json:"previous"`
	PreviousPower fixed.Q88 `json:"previous_power"`
	Duty          fixed.Q88 `json:"duty"`
	MPPFound      bool      `json:"mpp_found"`
	Phase         Phase     `json:"phase"`

	// LastStart is the start level seen on the previous tick.
	LastStart bool `json:"last_start"`
}

// ResetState returns the register values after reset.
func ResetState() State {
	return State{
		Duty:  ResetDuty,
		Phase: PhaseIdle,
	}
}

// Inputs are the signals sampled on one tick.
type Inputs struct {
	Reset  bool
	Start  bool
	Sample Sample
}

// Output is what the controller presents after a tick.
type Output struct {
	Duty     fixed.Q88 `json:"duty"`
	MPPFound bool      `json:"mpp_found"`

	// Power is computed from this tick's live inputs, independent of phase.
	Power fixed.Q88 `json:"power"`

	// Phase is the phase the controller is in after the tick.
	Phase Phase `json:"phase"`

	// Decided is set on the tick that ran the Calculate phase.
	Decided  bool     `json:"decided"`
	Decision Decision `json:"decision"`
}
