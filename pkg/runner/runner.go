// MPPT control loop runner
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package runner drives an mppt.Controller from a reactor timer: every
// tick it reads a sample, advances the controller, writes the duty and
// hands a Record to the observers.
package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mppt-controller/pkg/config"
	"mppt-controller/pkg/errors"
	"mppt-controller/pkg/fixed"
	"mppt-controller/pkg/log"
	"mppt-controller/pkg/mppt"
	"mppt-controller/pkg/reactor"
)

// Source supplies the sample for the current tick.
type Source interface {
	Sample(ctx context.Context) (mppt.Sample, error)
}

// Sink receives the duty register after every tick.
type Sink interface {
	ApplyDuty(ctx context.Context, duty fixed.Q88) error
}

// DiscardSink drops duty updates.
type DiscardSink struct{}

// ApplyDuty does nothing.
func (DiscardSink) ApplyDuty(context.Context, fixed.Q88) error { return nil }

// Observer receives one Record per tick on the loop goroutine and must
// not block.
type Observer interface {
	Observe(rec Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(rec Record)

// Observe calls f(rec).
func (f ObserverFunc) Observe(rec Record) { f(rec) }

// Record describes one tick.
type Record struct {
	RunID  string      `json:"run_id"`
	Seq    uint64      `json:"seq"`
	Time   time.Time   `json:"time"`
	Sample mppt.Sample `json:"sample"`
	Start  bool        `json:"start"`
	Output mppt.Output `json:"output"`
	State  State       `json:"state"`

	// Missed is set when the source failed; the controller did not
	// advance and Output mirrors the current registers.
	Missed bool   `json:"missed,omitempty"`
	Err    string `json:"error,omitempty"`
}

// Options configures the loop.
type Options struct {
	TickPeriod       time.Duration
	StartPolicy      string
	MaxMissedSamples int

	// MaxTicks ends the run after that many ticks; zero runs until the
	// source is exhausted or the context is cancelled.
	MaxTicks uint64
}

// OptionsFromConfig extracts the loop options from the daemon config.
func OptionsFromConfig(cc *config.ControllerConfig) Options {
	return Options{
		TickPeriod:       cc.TickPeriod,
		StartPolicy:      cc.StartPolicy,
		MaxMissedSamples: cc.MaxMissedSamples,
	}
}

// Runner owns one control loop.
type Runner struct {
	ctrl     *mppt.Controller
	src      Source
	sink     Sink
	opts     Options
	log      *log.Logger
	watchdog *Watchdog
	runID    string

	mu           sync.Mutex
	observers    []Observer
	reactor      *reactor.Reactor
	started      time.Time
	seq          uint64
	trigger      bool
	last         *Record
	sourceErrors uint64
	sinkErrors   uint64
	err          error
}

// New builds a runner. A nil sink discards duty updates.
func New(ctrl *mppt.Controller, src Source, sink Sink, opts Options) *Runner {
	if sink == nil {
		sink = DiscardSink{}
	}
	if opts.TickPeriod <= 0 {
		opts.TickPeriod = 10 * time.Millisecond
	}
	if opts.StartPolicy == "" {
		opts.StartPolicy = config.StartContinuous
	}
	r := &Runner{
		ctrl:     ctrl,
		src:      src,
		sink:     sink,
		opts:     opts,
		watchdog: NewWatchdog(opts.MaxMissedSamples),
		runID:    uuid.NewString(),
	}
	r.log = log.GetLogger("runner").With(log.Fields{"run": r.runID[:8]})

	r.watchdog.OnStateChange(func(oldState, newState State) {
		r.log.Info("state %s -> %s", oldState, newState)
	})
	r.watchdog.OnFault(func(reason FaultReason, msg string) {
		r.log.WithField("reason", reason).Error(msg)
	})
	return r
}

// RunID identifies this run in records and telemetry.
func (r *Runner) RunID() string { return r.runID }

// Controller returns the driven controller.
func (r *Runner) Controller() *mppt.Controller { return r.ctrl }

// Watchdog returns the sample watchdog.
func (r *Runner) Watchdog() *Watchdog { return r.watchdog }

// Options returns the loop options.
func (r *Runner) Options() Options { return r.opts }

// AddObserver registers o for every following tick.
func (r *Runner) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Run drives the loop until the source is exhausted, MaxTicks is reached
// or ctx is cancelled; those all return nil. A panic inside a tick ends
// the run with a RUNTIME error.
func (r *Runner) Run(ctx context.Context) error {
	rc := reactor.NewWithContext(ctx)
	r.mu.Lock()
	if r.reactor != nil {
		r.mu.Unlock()
		rc.End()
		return errors.RuntimeError("runner already started")
	}
	r.reactor = rc
	r.started = time.Now()
	r.mu.Unlock()

	period := r.opts.TickPeriod.Seconds()
	stall := 20 * r.opts.TickPeriod
	if stall < time.Second {
		stall = time.Second
	}

	r.log.WithFields(log.Fields{
		"period": r.opts.TickPeriod,
		"start":  r.opts.StartPolicy,
		"arith":  r.ctrl.Options().Arithmetic,
		"trig":   r.ctrl.Options().Trigger,
	}).Info("control loop starting")

	r.watchdog.SetState(StateRunning)
	r.watchdog.StartStallMonitor(stall)
	defer r.watchdog.StopStallMonitor()

	rc.RegisterTimer(func(eventtime float64) float64 {
		if !r.safeTick(ctx) {
			rc.End()
			return reactor.NEVER
		}
		return eventtime + period
	}, reactor.NOW)
	rc.Run()
	rc.Wait()

	r.watchdog.SetState(StateStopped)
	ticks, decisions, resets := r.ctrl.Counters()
	r.log.WithFields(log.Fields{
		"ticks":     ticks,
		"decisions": decisions,
		"resets":    resets,
	}).Info("control loop stopped")

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Runner) safeTick(ctx context.Context) (more bool) {
	defer func() {
		if p := recover(); p != nil {
			err := errors.RecoverPanic(p)
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			r.log.WithError(err).Error("tick panicked")
			more = false
		}
	}()
	return r.tick(ctx)
}

func (r *Runner) tick(ctx context.Context) bool {
	sample, err := r.src.Sample(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, errors.ErrSourceExhausted) {
			r.log.Info("source exhausted")
			return false
		}
		r.miss(ctx, err)
		return true
	}
	r.watchdog.Good()

	start := r.takeStart()
	out := r.ctrl.Tick(start, sample.Voltage, sample.Current)
	rec := Record{
		Sample: sample,
		Start:  start,
		Output: out,
	}
	if err := r.sink.ApplyDuty(ctx, out.Duty); err != nil {
		rec.Err = err.Error()
		r.mu.Lock()
		r.sinkErrors++
		r.mu.Unlock()
		r.log.WithError(err).Warn("duty write failed")
	}
	if out.Decided {
		r.log.Debug("tick: %s %s duty=%s", sample, out.Decision, out.Duty)
	}
	seq := r.publish(rec)
	return r.opts.MaxTicks == 0 || seq < r.opts.MaxTicks
}

func (r *Runner) miss(ctx context.Context, err error) {
	r.mu.Lock()
	r.sourceErrors++
	r.mu.Unlock()

	if r.watchdog.Miss(err) {
		r.ctrl.Reset()
		if err := r.sink.ApplyDuty(ctx, mppt.ResetDuty); err != nil {
			r.log.WithError(err).Warn("reset duty write failed")
		}
	}

	regs := r.ctrl.State()
	r.publish(Record{
		Output: mppt.Output{Duty: regs.Duty, MPPFound: regs.MPPFound, Phase: regs.Phase},
		Missed: true,
		Err:    err.Error(),
	})
}

// publish stamps rec and hands it to the observers. It returns the
// record's sequence number.
func (r *Runner) publish(rec Record) uint64 {
	r.mu.Lock()
	r.seq++
	rec.RunID = r.runID
	rec.Seq = r.seq
	rec.Time = time.Now()
	rec.State = r.watchdog.GetState()
	r.last = &rec
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()

	for _, o := range observers {
		o.Observe(rec)
	}
	return rec.Seq
}

func (r *Runner) takeStart() bool {
	if r.opts.StartPolicy != config.StartManual {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	start := r.trigger
	r.trigger = false
	return start
}

// Trigger asserts start for the next tick. Only meaningful with the
// manual start policy.
func (r *Runner) Trigger() error {
	if r.opts.StartPolicy != config.StartManual {
		return errors.RuntimeError("start policy is " + r.opts.StartPolicy)
	}
	r.mu.Lock()
	r.trigger = true
	r.mu.Unlock()
	return nil
}

type resetResult struct{ err error }

// resetTimeout bounds how long Reset waits for the loop goroutine.
var resetTimeout = time.Second

// Reset resets the controller on the loop goroutine and drives the sink
// to the reset duty. Before the loop starts or after it ends the reset
// runs on the caller's goroutine. A reset that reports an error was not
// applied and will not be applied later.
func (r *Runner) Reset(ctx context.Context) error {
	r.mu.Lock()
	rc := r.reactor
	r.mu.Unlock()
	if rc == nil {
		return r.doReset(ctx)
	}

	// Exactly one of the loop callback and this goroutine performs the
	// reset; whichever claims it first.
	var claimed atomic.Bool
	c := rc.RegisterAsyncCallback(func(eventtime float64) interface{} {
		if !claimed.CompareAndSwap(false, true) {
			return nil
		}
		return resetResult{r.doReset(ctx)}
	}, reactor.NOW)

	res := c.Wait(resetTimeout, nil)
	if rr, ok := res.(resetResult); ok {
		return rr.err
	}
	if !claimed.CompareAndSwap(false, true) {
		// The loop took it while Wait was giving up.
		<-c.Done()
		if rr, ok := c.Wait(0, nil).(resetResult); ok {
			return rr.err
		}
		return nil
	}
	select {
	case <-rc.Done():
		return r.doReset(ctx)
	default:
		return errors.RuntimeError("reset timed out")
	}
}

func (r *Runner) doReset(ctx context.Context) error {
	r.ctrl.Reset()
	r.log.Info("controller reset")
	return r.sink.ApplyDuty(ctx, mppt.ResetDuty)
}

// Snapshot is the runner's reportable state.
type Snapshot struct {
	RunID        string         `json:"run_id"`
	State        State          `json:"state"`
	Watchdog     WatchdogStatus `json:"watchdog"`
	Registers    mppt.State     `json:"registers"`
	Arithmetic   string         `json:"arithmetic"`
	Trigger      string         `json:"trigger"`
	StartPolicy  string         `json:"start_policy"`
	TickPeriod   string         `json:"tick_period"`
	Seq          uint64         `json:"seq"`
	Ticks        uint64         `json:"ticks"`
	Decisions    uint64         `json:"decisions"`
	Resets       uint64         `json:"resets"`
	SourceErrors uint64         `json:"source_errors"`
	SinkErrors   uint64         `json:"sink_errors"`
	Uptime       float64        `json:"uptime"`
	Last         *Record        `json:"last,omitempty"`
}

// Snapshot returns the current state.
func (r *Runner) Snapshot() Snapshot {
	opts := r.ctrl.Options()
	ticks, decisions, resets := r.ctrl.Counters()
	s := Snapshot{
		RunID:       r.runID,
		State:       r.watchdog.GetState(),
		Watchdog:    r.watchdog.Status(),
		Registers:   r.ctrl.State(),
		Arithmetic:  opts.Arithmetic.String(),
		Trigger:     opts.Trigger.String(),
		StartPolicy: r.opts.StartPolicy,
		TickPeriod:  r.opts.TickPeriod.String(),
		Ticks:       ticks,
		Decisions:   decisions,
		Resets:      resets,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s.Seq = r.seq
	s.SourceErrors = r.sourceErrors
	s.SinkErrors = r.sinkErrors
	if !r.started.IsZero() {
		s.Uptime = time.Since(r.started).Seconds()
	}
	if r.last != nil {
		last := *r.last
		s.Last = &last
	}
	return s
}
