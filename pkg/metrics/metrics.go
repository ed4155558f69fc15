// Prometheus metrics for the MPPT control loop
//
// ControllerMetrics observes every tick record and exports:
// - Duty cycle, power, voltage and current gauges
// - Phase and MPP-found state
// - Tick, decision, miss and sink error counters
// - Tick interval histogram
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mppt-controller/pkg/mppt"
	"mppt-controller/pkg/runner"
)

const namespace = "mppt"

// ControllerMetrics holds the control loop metrics.
type ControllerMetrics struct {
	DutyCycle *prometheus.GaugeVec
	Power     prometheus.Gauge
	Voltage   prometheus.Gauge
	Current   prometheus.Gauge
	MPPFound  prometheus.Gauge
	Phase     prometheus.Gauge
	Faulted   prometheus.Gauge

	Ticks        prometheus.Counter
	Decisions    *prometheus.CounterVec
	SourceErrors prometheus.Counter
	SinkErrors   prometheus.Counter

	TickInterval prometheus.Histogram

	factory promauto.Factory

	mu       sync.Mutex
	lastTick time.Time
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewControllerMetrics creates the metrics and registers them with reg.
func NewControllerMetrics(reg prometheus.Registerer) *ControllerMetrics {
	f := promauto.With(reg)
	return &ControllerMetrics{
		factory: f,
		DutyCycle: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "duty_cycle",
			Help:      "Converter duty cycle; unit=fraction reports Duty/16384, unit=raw the Q8.8 word.",
		}, []string{"unit"}),
		Power: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "power",
			Help:      "Instantaneous power of the latest sample (Q8.8 truncated product).",
		}),
		Voltage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voltage",
			Help:      "Latest sampled voltage.",
		}),
		Current: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current",
			Help:      "Latest sampled current.",
		}),
		MPPFound: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mpp_found",
			Help:      "1 when the last decision found the maximum power point.",
		}),
		Phase: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase",
			Help:      "Controller phase (0=idle, 1=calculate, 2=update).",
		}),
		Faulted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "faulted",
			Help:      "1 while the sample watchdog holds the loop faulted.",
		}),
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Loop ticks, including ticks with a missed sample.",
		}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Incremental conductance decisions by action.",
		}, []string{"action"}),
		SourceErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Ticks whose sample could not be read.",
		}),
		SinkErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Failed duty writes.",
		}),
		TickInterval: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_interval_seconds",
			Help:      "Wall time between consecutive ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}

// WatchController exports the controller's reset counter and the
// run identity.
func (m *ControllerMetrics) WatchController(ctrl *mppt.Controller, runID string) {
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resets_total",
		Help:      "Controller resets, external and watchdog.",
	}, func() float64 {
		_, _, resets := ctrl.Counters()
		return float64(resets)
	})

	opts := ctrl.Options()
	info := m.factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "controller_info",
		Help:      "Constant 1, labelled with the run and controller options.",
	}, []string{"run_id", "arithmetic", "trigger"})
	info.WithLabelValues(runID, opts.Arithmetic.String(), opts.Trigger.String()).Set(1)
}

// Observe updates the metrics from one tick record.
func (m *ControllerMetrics) Observe(rec runner.Record) {
	m.Ticks.Inc()

	m.mu.Lock()
	if !m.lastTick.IsZero() {
		m.TickInterval.Observe(rec.Time.Sub(m.lastTick).Seconds())
	}
	m.lastTick = rec.Time
	m.mu.Unlock()

	m.Faulted.Set(boolToFloat(rec.State == runner.StateFaulted))
	m.DutyCycle.WithLabelValues("fraction").Set(float64(rec.Output.Duty) / mppt.DutyDenominator)
	m.DutyCycle.WithLabelValues("raw").Set(float64(rec.Output.Duty))
	m.Phase.Set(float64(rec.Output.Phase))
	m.MPPFound.Set(boolToFloat(rec.Output.MPPFound))

	if rec.Missed {
		m.SourceErrors.Inc()
		return
	}
	if rec.Err != "" {
		m.SinkErrors.Inc()
	}
	m.Power.Set(rec.Output.Power.Float())
	m.Voltage.Set(rec.Sample.Voltage.Float())
	m.Current.Set(rec.Sample.Current.Float())
	if rec.Output.Decided {
		m.Decisions.WithLabelValues(rec.Output.Decision.Action.String()).Inc()
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
