package runner

import (
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchdogTripsOnce(t *testing.T) {
	w := NewWatchdog(3)
	w.SetState(StateRunning)

	var faults atomic.Int32
	w.OnFault(func(reason FaultReason, msg string) {
		assert.Equal(t, ReasonMissedSamples, reason)
		assert.Contains(t, msg, "3 consecutive")
		faults.Add(1)
	})

	errNoData := stderrors.New("no data")
	assert.False(t, w.Miss(errNoData))
	assert.False(t, w.Miss(errNoData))
	assert.True(t, w.Miss(errNoData))
	assert.False(t, w.Miss(errNoData), "already faulted")

	assert.Equal(t, int32(1), faults.Load())
	assert.Equal(t, StateFaulted, w.GetState())
	assert.Equal(t, 4, w.Missed())
	assert.Equal(t, errNoData, w.LastError())

	st := w.Status()
	assert.Equal(t, "faulted", st.State)
	assert.Equal(t, "missed_samples", st.Reason)
	assert.False(t, st.FaultTime.IsZero())
}

func TestWatchdogGoodResetsCount(t *testing.T) {
	w := NewWatchdog(2)
	w.SetState(StateRunning)

	w.Miss(stderrors.New("x"))
	assert.False(t, w.Good())
	assert.Zero(t, w.Missed())
	assert.Nil(t, w.LastError())
	assert.False(t, w.Miss(stderrors.New("x")), "count restarted after a good sample")
}

func TestWatchdogRecovery(t *testing.T) {
	w := NewWatchdog(1)
	w.SetState(StateRunning)

	var transitions []string
	w.OnStateChange(func(oldState, newState State) {
		transitions = append(transitions, oldState.String()+">"+newState.String())
	})

	require.True(t, w.Miss(stderrors.New("x")))
	assert.True(t, w.Good())
	assert.Equal(t, StateRunning, w.GetState())
	assert.Empty(t, w.Status().Reason)
	assert.Equal(t, []string{"running>faulted", "faulted>running"}, transitions)
}

func TestWatchdogIdleDoesNotTrip(t *testing.T) {
	w := NewWatchdog(1)
	assert.False(t, w.Miss(stderrors.New("x")))
	assert.Equal(t, StateIdle, w.GetState())
}

func TestWatchdogStallMonitor(t *testing.T) {
	w := NewWatchdog(5)
	w.SetState(StateRunning)

	stalled := make(chan FaultReason, 1)
	w.OnFault(func(reason FaultReason, msg string) {
		select {
		case stalled <- reason:
		default:
		}
	})
	w.StartStallMonitor(20 * time.Millisecond)
	defer w.StopStallMonitor()

	select {
	case reason := <-stalled:
		assert.Equal(t, ReasonLoopStall, reason)
	case <-time.After(time.Second):
		t.Fatal("stall not detected")
	}
	assert.Equal(t, StateFaulted, w.GetState())
}

func TestWatchdogHeartbeatPreventsStall(t *testing.T) {
	w := NewWatchdog(5)
	w.SetState(StateRunning)
	w.StartStallMonitor(50 * time.Millisecond)

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.Heartbeat()
		time.Sleep(5 * time.Millisecond)
	}
	w.StopStallMonitor()
	assert.Equal(t, StateRunning, w.GetState())
}

func TestStateText(t *testing.T) {
	b, err := StateFaulted.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "faulted", string(b))
	assert.Equal(t, "unknown", State(42).String())
}
