package main

import (
	"context"
	"io"

	"mppt-controller/pkg/config"
	"mppt-controller/pkg/errors"
	"mppt-controller/pkg/link"
	"mppt-controller/pkg/log"
	"mppt-controller/pkg/mqttio"
	"mppt-controller/pkg/pmbus"
	"mppt-controller/pkg/runner"
	"mppt-controller/pkg/serial"
	"mppt-controller/pkg/trace"
)

// devices holds the opened source and sink and whatever must be closed
// on exit.
type devices struct {
	source runner.Source
	sink   runner.Sink
	link   *link.Link
	extras map[string]func() any

	closers []io.Closer
}

func openIO(ctx context.Context, cc *config.ControllerConfig) (*devices, error) {
	d := &devices{extras: make(map[string]func() any)}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	var mq *mqttio.Client
	if cc.SourceType == config.SourceMQTT || cc.SinkType == config.SinkMQTT {
		c, err := mqttio.Connect(ctx, cc.MQTT)
		if err != nil {
			return nil, err
		}
		mq = c
		d.closers = append(d.closers, c)
		d.extras["mqtt"] = func() any {
			recv, rej := c.Counts()
			return map[string]uint64{"received": recv, "rejected": rej}
		}
	}
	if cc.SourceType == config.SourceSerial || cc.SinkType == config.SinkSerial {
		l, err := link.Dial(serial.Config{Device: cc.Serial.Device, BaudRate: cc.Serial.Baud})
		if err != nil {
			return nil, err
		}
		d.link = l
		d.closers = append(d.closers, l)
		d.extras["link"] = func() any { return l.Stats() }
	}

	switch cc.SourceType {
	case config.SourceTrace:
		src, err := trace.Open(cc.Trace.Path, cc.Trace.Loop)
		if err != nil {
			return nil, err
		}
		d.source = src
		d.extras["trace"] = func() any {
			return map[string]int{"position": src.Position(), "length": src.Len()}
		}
	case config.SourceMQTT:
		d.source = mq
	case config.SourcePMBus:
		dev, err := pmbus.Open(cc.PMBus)
		if err != nil {
			return nil, err
		}
		if err := dev.ClearFaults(); err != nil {
			log.GetLogger("main").WithError(err).Warn("pmbus CLEAR_FAULTS failed")
		}
		d.source = dev
		d.closers = append(d.closers, dev)
	case config.SourceSerial:
		d.source = d.link
	default:
		return nil, errors.RuntimeErrorInit("source", "unknown type "+cc.SourceType)
	}

	switch cc.SinkType {
	case config.SinkDiscard:
		d.sink = runner.DiscardSink{}
	case config.SinkMQTT:
		d.sink = mq
	case config.SinkSerial:
		d.sink = d.link
	default:
		return nil, errors.RuntimeErrorInit("sink", "unknown type "+cc.SinkType)
	}

	ok = true
	return d, nil
}

// bind connects converter-initiated events to the runner and then
// starts the link's read loop, so no reset frame arrives unhandled.
func (d *devices) bind(ctx context.Context, r *runner.Runner) {
	if d.link == nil {
		return
	}
	lg := log.GetLogger("main")
	d.link.OnReset(func() {
		go func() {
			if err := r.Reset(ctx); err != nil {
				lg.WithError(err).Warn("converter reset request failed")
			}
		}()
	})
	d.link.Start(ctx)
}

// Close releases every device in reverse open order.
func (d *devices) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	d.closers = nil
	return first
}
