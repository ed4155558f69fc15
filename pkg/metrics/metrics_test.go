package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mppt-controller/pkg/mppt"
	"mppt-controller/pkg/runner"
)

func decidedRecord(at time.Time, action mppt.Action) runner.Record {
	return runner.Record{
		Time:   at,
		Sample: mppt.Sample{Voltage: 0x1100, Current: 0x0200},
		State:  runner.StateRunning,
		Output: mppt.Output{
			Duty:     0x2040,
			Power:    0x2200,
			Phase:    mppt.PhaseUpdate,
			MPPFound: false,
			Decided:  true,
			Decision: mppt.Decision{Action: action},
		},
	}
}

func TestObserveUpdatesGauges(t *testing.T) {
	m := NewControllerMetrics(prometheus.NewRegistry())
	now := time.Now()

	m.Observe(decidedRecord(now, mppt.ActionIncrease))
	m.Observe(decidedRecord(now.Add(10*time.Millisecond), mppt.ActionIncrease))
	m.Observe(decidedRecord(now.Add(20*time.Millisecond), mppt.ActionHold))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Ticks))
	assert.InDelta(t, float64(0x2040)/16384, testutil.ToFloat64(m.DutyCycle.WithLabelValues("fraction")), 1e-12)
	assert.Equal(t, float64(0x2040), testutil.ToFloat64(m.DutyCycle.WithLabelValues("raw")))
	assert.Equal(t, 34.0, testutil.ToFloat64(m.Power))
	assert.Equal(t, 17.0, testutil.ToFloat64(m.Voltage))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Current))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Phase))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("increase")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("hold")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SourceErrors))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TickInterval))
}

func TestObserveMissedAndSinkErrors(t *testing.T) {
	m := NewControllerMetrics(prometheus.NewRegistry())

	m.Observe(runner.Record{
		Time:   time.Now(),
		State:  runner.StateFaulted,
		Missed: true,
		Err:    "no data",
		Output: mppt.Output{Duty: mppt.ResetDuty},
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceErrors))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SinkErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Faulted))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.DutyCycle.WithLabelValues("fraction")))

	rec := decidedRecord(time.Now(), mppt.ActionDecrease)
	rec.Err = "offline"
	m.Observe(rec)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkErrors))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Faulted))
}

func TestWatchController(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewControllerMetrics(reg)
	ctrl := mppt.NewController(mppt.Options{Trigger: mppt.TriggerEdge})
	m.WatchController(ctrl, "run-1")

	ctrl.Reset()
	ctrl.Reset()

	expected := `
# HELP mppt_resets_total Controller resets, external and watchdog.
# TYPE mppt_resets_total counter
mppt_resets_total 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mppt_resets_total"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "mppt_controller_info" {
			continue
		}
		found = true
		labels := map[string]string{}
		for _, lp := range mf.GetMetric()[0].GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		assert.Equal(t, "run-1", labels["run_id"])
		assert.Equal(t, "legacy", labels["arithmetic"])
		assert.Equal(t, "edge", labels["trigger"])
	}
	assert.True(t, found)
}

func TestNewRegistryHasRuntimeCollectors(t *testing.T) {
	reg := NewRegistry()
	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "go_goroutines")
}
