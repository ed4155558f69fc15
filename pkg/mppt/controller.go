// MPPT controller stepping API
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mppt

import (
	"sync"

	"mppt-controller/pkg/fixed"
)

// Controller owns one set of controller registers and advances them one
// tick at a time. It is safe for concurrent use; each Tick commits
// atomically.
type Controller struct {
	mu    sync.Mutex
	opts  Options
	state State

	ticks     uint64
	decisions uint64
	resets    uint64
}

// NewController returns a controller in the reset state.
func NewController(opts Options) *Controller {
	return &Controller{
		opts:  opts,
		state: ResetState(),
	}
}

// Options returns the controller's policy options.
func (c *Controller) Options() Options {
	return c.opts
}

// Reset reinitializes all registers immediately, discarding any
// half-completed decision.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ResetState()
	c.resets++
}

// Tick advances the controller by one clock tick with the given start
// level and live sample.
func (c *Controller) Tick(start bool, voltage, current fixed.Q88) Output {
	return c.Apply(Inputs{
		Start:  start,
		Sample: Sample{Voltage: voltage, Current: current},
	})
}

// Apply advances the controller by one tick with the full input set,
// including the reset level.
func (c *Controller) Apply(in Inputs) Output {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, out := Step(c.state, in, c.opts)
	c.state = next
	c.ticks++
	if in.Reset {
		c.resets++
	}
	if out.Decided {
		c.decisions++
	}
	return out
}

// State returns a snapshot of the registers.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Counters reports how many ticks, decisions and resets the controller
// has seen since it was created.
func (c *Controller) Counters() (ticks, decisions, resets uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks, c.decisions, c.resets
}
