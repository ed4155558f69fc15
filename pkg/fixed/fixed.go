// Q8.8 fixed-point arithmetic for the MPPT controller
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package fixed implements the unsigned Q8.8 quantities the controller
// works in: 16-bit words with 8 integer and 8 fractional bits.
//
// All arithmetic here is bit-exact with a 16-bit register datapath.
// Subtraction wraps and the power product truncates; neither saturates.
package fixed

import (
	"fmt"
	"math"
)

// FracBits is the number of fractional bits in a Q8.8 word.
const FracBits = 8

// One is 1.0 in Q8.8.
const One Q88 = 1 << FracBits

// Max is the largest representable value (255.996).
const Max Q88 = 0xFFFF

// Q88 is an unsigned Q8.8 fixed-point quantity.
type Q88 uint16

// FromFloat converts f to Q8.8, rounding to nearest and saturating to
// [0, Max]. NaN converts to zero.
func FromFloat(f float64) Q88 {
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	scaled := math.Round(f * float64(One))
	if scaled >= float64(Max) {
		return Max
	}
	return Q88(scaled)
}

// Float returns q as a float64.
func (q Q88) Float() float64 {
	return float64(q) / float64(One)
}

// Raw returns the underlying 16-bit word.
func (q Q88) Raw() uint16 {
	return uint16(q)
}

// String formats q as its decimal value followed by the raw word.
func (q Q88) String() string {
	return fmt.Sprintf("%.4f(0x%04X)", q.Float(), uint16(q))
}

// WrapSub returns a - b with 16-bit unsigned wraparound. A difference
// that would go below zero wraps to a large positive word.
func WrapSub(a, b Q88) Q88 {
	return a - b
}

// Signed reinterprets q as a two's complement 16-bit value.
func (q Q88) Signed() int16 {
	return int16(q)
}

// Power returns the Q8.8 product v*i as bits [23:8] of the full 32-bit
// product. Bits above 23 are dropped, so an overflowing product wraps
// silently instead of saturating.
func Power(v, i Q88) Q88 {
	product := uint32(v) * uint32(i)
	return Q88(product >> FracBits)
}

// PowerOverflows reports whether Power(v, i) lost integer bits to
// truncation, i.e. whether the true product exceeds Max.
func PowerOverflows(v, i Q88) bool {
	return uint32(v)*uint32(i)>>FracBits > uint32(Max)
}
