// Package reactor provides the timer dispatch loop that paces the
// controller. All timer callbacks run on a single goroutine, so code
// driven by the reactor sees its ticks strictly in order; other
// goroutines hand work to that goroutine with RegisterAsyncCallback.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Constants
const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

// TimerCallback is called when a timer fires.
// The callback receives the event time and returns the next wake time.
// Return NEVER to park the timer.
type TimerCallback func(eventtime float64) float64

// Timer represents a registered timer. Its fields are guarded by the
// owning reactor's lock.
type Timer struct {
	id        uint64
	callback  TimerCallback
	waketime  float64
	isRunning bool
	reactor   *Reactor
}

// Waketime returns the timer's current wake time.
func (t *Timer) Waketime() float64 {
	t.reactor.mu.Lock()
	defer t.reactor.mu.Unlock()
	return t.waketime
}

// Completion represents an async operation that will complete with a result.
type Completion struct {
	reactor *Reactor
	result  interface{}
	done    chan struct{}
	once    sync.Once
}

// Test returns true if the completion has a result.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete sets the completion result and wakes any waiters.
func (c *Completion) Complete(result interface{}) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Done is closed once the completion has a result.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the completion is done, the timeout expires or the
// reactor ends. Returns the result or timeoutResult. A result that is
// already set wins over an ended reactor.
func (c *Completion) Wait(timeout time.Duration, timeoutResult interface{}) interface{} {
	select {
	case <-c.done:
		return c.result
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.done:
		return c.result
	case <-t.C:
		return timeoutResult
	case <-c.reactor.ctx.Done():
		return timeoutResult
	}
}

// Reactor manages timers and async callbacks on one dispatch goroutine.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64

	asyncQueue chan func()
	wake       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup

	// Start time for monotonic clock
	startTime time.Time
}

// New creates a new Reactor.
func New() *Reactor {
	return NewWithContext(context.Background())
}

// NewWithContext creates a Reactor that ends when ctx is cancelled.
func NewWithContext(parent context.Context) *Reactor {
	ctx, cancel := context.WithCancel(parent)
	return &Reactor{
		asyncQueue: make(chan func(), 256),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		startTime:  time.Now(),
	}
}

// Monotonic returns the seconds elapsed since the reactor was created.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// Done is closed when the reactor ends.
func (r *Reactor) Done() <-chan struct{} {
	return r.ctx.Done()
}

// kick wakes the dispatch loop if it is sleeping.
func (r *Reactor) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RegisterTimer registers a new timer with the given callback and wake time.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	timer := &Timer{callback: callback, waketime: waketime}
	r.addTimer(timer)
	return timer
}

func (r *Reactor) addTimer(timer *Timer) {
	r.mu.Lock()
	r.nextTimerID++
	timer.id = r.nextTimerID
	timer.reactor = r
	r.timers = append(r.timers, timer)
	r.mu.Unlock()
	r.kick()
}

// UnregisterTimer removes a timer.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer.waketime = NEVER
	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer moves a timer's wake time. Updates made while the timer's
// own callback is running are overridden by the callback's return value
// when it is later.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	r.mu.Lock()
	timer.waketime = waketime
	r.mu.Unlock()
	r.kick()
}

// Completion creates a new Completion object.
func (r *Reactor) Completion() *Completion {
	return &Completion{
		reactor: r,
		done:    make(chan struct{}),
	}
}

// RegisterCallback schedules a one-shot callback at waketime.
// Returns a Completion that will contain the callback's result.
func (r *Reactor) RegisterCallback(callback func(eventtime float64) interface{}, waketime float64) *Completion {
	completion := r.Completion()
	r.registerCallback(callback, waketime, completion)
	return completion
}

func (r *Reactor) registerCallback(callback func(eventtime float64) interface{}, waketime float64, completion *Completion) {
	timer := &Timer{waketime: waketime}
	timer.callback = func(eventtime float64) float64 {
		completion.Complete(callback(eventtime))
		r.UnregisterTimer(timer)
		return NEVER
	}
	r.addTimer(timer)
}

// RegisterAsyncCallback schedules a callback from another goroutine. The
// returned Completion is completed with nil if the queue is full or the
// reactor has ended.
func (r *Reactor) RegisterAsyncCallback(callback func(eventtime float64) interface{}, waketime float64) *Completion {
	completion := r.Completion()
	if r.ctx.Err() != nil {
		completion.Complete(nil)
		return completion
	}
	select {
	case r.asyncQueue <- func() { r.registerCallback(callback, waketime, completion) }:
		r.kick()
	default:
		completion.Complete(nil)
	}
	return completion
}

// Pause sleeps until the given wake time or the reactor ends.
func (r *Reactor) Pause(waketime float64) float64 {
	now := r.Monotonic()
	if waketime <= now {
		return now
	}
	if waketime >= NEVER {
		<-r.ctx.Done()
		return r.Monotonic()
	}

	t := time.NewTimer(time.Duration((waketime - now) * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.ctx.Done():
	}
	return r.Monotonic()
}

// Run starts the reactor's dispatch loop in its own goroutine.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return // Already running
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End signals the reactor to stop.
func (r *Reactor) End() {
	r.cancel()
}

// Wait waits for the dispatch loop to exit.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

// dispatchLoop is the main event dispatch loop.
func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()
	defer r.running.Store(false)

	for r.ctx.Err() == nil {
		r.processAsyncCallbacks()

		timeout := r.checkTimers(r.Monotonic())
		if timeout <= 0 {
			continue
		}
		delay := time.Duration(timeout * float64(time.Second))
		if delay > time.Second {
			delay = time.Second
		}

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-r.wake:
		case <-r.ctx.Done():
		}
		t.Stop()
	}
}

// processAsyncCallbacks runs pending async work.
func (r *Reactor) processAsyncCallbacks() {
	for {
		select {
		case fn := <-r.asyncQueue:
			fn()
		default:
			return
		}
	}
}

// checkTimers fires due timers and returns the seconds until the next one.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	var due []*Timer
	for _, t := range r.timers {
		if !t.isRunning && eventtime >= t.waketime {
			t.waketime = NEVER
			t.isRunning = true
			due = append(due, t)
		}
	}
	r.mu.Unlock()

	for _, t := range due {
		next := t.callback(eventtime)

		r.mu.Lock()
		t.isRunning = false
		if next < t.waketime {
			t.waketime = next
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	nextWake := NEVER
	for _, t := range r.timers {
		if t.waketime < nextWake {
			nextWake = t.waketime
		}
	}
	r.mu.Unlock()

	delay := nextWake - r.Monotonic()
	if delay < 0 {
		delay = 0
	}
	return delay
}
