package runner

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the control loop's health.
type State int

const (
	// StateIdle means the loop has not started.
	StateIdle State = iota

	// StateRunning indicates normal operation.
	StateRunning

	// StateFaulted means the sample watchdog tripped; the controller sits
	// at the reset duty until a good sample arrives.
	StateFaulted

	// StateStopped means the loop has ended.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFaulted:
		return "faulted"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FaultReason describes why the watchdog tripped.
type FaultReason string

const (
	ReasonNone          FaultReason = ""
	ReasonMissedSamples FaultReason = "missed_samples"
	ReasonLoopStall     FaultReason = "loop_stall"
)

// Watchdog tracks consecutive sample failures and loop heartbeats.
type Watchdog struct {
	mu sync.RWMutex

	state     State
	reason    FaultReason
	faultMsg  string
	faultTime time.Time

	maxMissed int
	missed    int
	lastErr   error

	// Stall monitor
	stallCancel   context.CancelFunc
	lastHeartbeat time.Time
	hbMu          sync.Mutex

	onFault       []func(reason FaultReason, msg string)
	onStateChange []func(oldState, newState State)
}

// NewWatchdog trips after maxMissed consecutive misses.
func NewWatchdog(maxMissed int) *Watchdog {
	if maxMissed < 1 {
		maxMissed = 1
	}
	return &Watchdog{state: StateIdle, maxMissed: maxMissed}
}

// OnFault registers a callback run when the watchdog trips.
func (w *Watchdog) OnFault(fn func(reason FaultReason, msg string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFault = append(w.onFault, fn)
}

// OnStateChange registers a callback for state transitions.
func (w *Watchdog) OnStateChange(fn func(oldState, newState State)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onStateChange = append(w.onStateChange, fn)
}

// GetState returns the current state.
func (w *Watchdog) GetState() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// SetState forces a transition, e.g. to running at start or stopped at
// the end of a run.
func (w *Watchdog) SetState(s State) {
	w.mu.Lock()
	old := w.state
	w.state = s
	if s != StateFaulted {
		w.reason = ReasonNone
		w.faultMsg = ""
	}
	callbacks := append([]func(State, State){}, w.onStateChange...)
	w.mu.Unlock()

	if old != s {
		for _, fn := range callbacks {
			fn(old, s)
		}
	}
}

// Good records a successful sample. It returns true when this recovers a
// faulted loop.
func (w *Watchdog) Good() bool {
	w.Heartbeat()
	w.mu.Lock()
	w.missed = 0
	w.lastErr = nil
	recovered := w.state == StateFaulted
	w.mu.Unlock()

	if recovered {
		w.SetState(StateRunning)
	}
	return recovered
}

// Miss records a failed sample. It returns true on the miss that trips
// the watchdog; further misses while faulted return false.
func (w *Watchdog) Miss(err error) bool {
	w.Heartbeat()
	w.mu.Lock()
	w.missed++
	w.lastErr = err
	trip := w.missed >= w.maxMissed && w.state == StateRunning
	missed := w.missed
	w.mu.Unlock()

	if trip {
		w.trip(ReasonMissedSamples, fmt.Sprintf("%d consecutive samples missed: %v", missed, err))
	}
	return trip
}

// Missed returns the current run of consecutive misses.
func (w *Watchdog) Missed() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.missed
}

// LastError returns the error of the most recent miss, or nil after a
// good sample.
func (w *Watchdog) LastError() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

func (w *Watchdog) trip(reason FaultReason, msg string) {
	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		return
	}
	old := w.state
	w.state = StateFaulted
	w.reason = reason
	w.faultMsg = msg
	w.faultTime = time.Now()
	onFault := append([]func(FaultReason, string){}, w.onFault...)
	onStateChange := append([]func(State, State){}, w.onStateChange...)
	w.mu.Unlock()

	for _, fn := range onStateChange {
		fn(old, StateFaulted)
	}
	for _, fn := range onFault {
		fn(reason, msg)
	}
}

// StartStallMonitor trips the watchdog when no heartbeat arrives within
// timeout.
func (w *Watchdog) StartStallMonitor(timeout time.Duration) {
	w.hbMu.Lock()
	defer w.hbMu.Unlock()

	if w.stallCancel != nil {
		return
	}
	var ctx context.Context
	ctx, w.stallCancel = context.WithCancel(context.Background())
	w.lastHeartbeat = time.Now()

	go w.stallLoop(ctx, timeout)
}

// StopStallMonitor stops the stall monitor.
func (w *Watchdog) StopStallMonitor() {
	w.hbMu.Lock()
	defer w.hbMu.Unlock()

	if w.stallCancel != nil {
		w.stallCancel()
		w.stallCancel = nil
	}
}

// Heartbeat marks the loop alive.
func (w *Watchdog) Heartbeat() {
	w.hbMu.Lock()
	defer w.hbMu.Unlock()
	w.lastHeartbeat = time.Now()
}

func (w *Watchdog) stallLoop(ctx context.Context, timeout time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.hbMu.Lock()
			elapsed := time.Since(w.lastHeartbeat)
			w.hbMu.Unlock()

			if elapsed > timeout {
				w.trip(ReasonLoopStall, fmt.Sprintf("no tick for %s", elapsed.Round(time.Millisecond)))
			}
		}
	}
}

// WatchdogStatus is a reporting snapshot.
type WatchdogStatus struct {
	State     string    `json:"state"`
	Reason    string    `json:"fault_reason,omitempty"`
	Message   string    `json:"fault_message,omitempty"`
	FaultTime time.Time `json:"fault_time,omitempty"`
	Missed    int       `json:"missed"`
	MaxMissed int       `json:"max_missed"`
}

// Status returns the current status.
func (w *Watchdog) Status() WatchdogStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return WatchdogStatus{
		State:     w.state.String(),
		Reason:    string(w.reason),
		Message:   w.faultMsg,
		FaultTime: w.faultTime,
		Missed:    w.missed,
		MaxMissed: w.maxMissed,
	}
}
