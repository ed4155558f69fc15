// PMBus converter telemetry source
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package pmbus reads input voltage and current from a PMBus converter
// over I2C.
package pmbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"mppt-controller/pkg/config"
	"mppt-controller/pkg/errors"
	"mppt-controller/pkg/fixed"
	"mppt-controller/pkg/log"
	"mppt-controller/pkg/mppt"
)

// PMBus command codes.
const (
	CmdClearFaults = 0x03
	CmdStatusWord  = 0x79
	CmdReadVin     = 0x88
	CmdReadIin     = 0x89
)

// DecodeLinear11 decodes a LINEAR11 word: a 5-bit two's complement
// exponent over an 11-bit two's complement mantissa.
func DecodeLinear11(word uint16) float64 {
	exp := int(int16(word) >> 11)
	mant := int(int16(word<<5) >> 5)
	return math.Ldexp(float64(mant), exp)
}

// EncodeLinear11 encodes v with the smallest exponent that fits the
// mantissa, which keeps the most precision.
func EncodeLinear11(v float64) uint16 {
	for exp := -16; exp <= 15; exp++ {
		mant := math.Round(math.Ldexp(v, -exp))
		if mant >= -1024 && mant <= 1023 {
			return uint16(exp&0x1f)<<11 | uint16(int(mant)&0x7ff)
		}
	}
	if v < 0 {
		return 0x7c00
	}
	return 0x7bff
}

// Device reads samples from one PMBus converter.
type Device struct {
	dev      *i2c.Dev
	bus      i2c.BusCloser
	vinScale float64
	iinScale float64
	log      *log.Logger
}

// New uses bus directly. The caller keeps ownership of bus.
func New(bus i2c.Bus, cfg config.PMBusConfig) *Device {
	d := &Device{
		dev:      &i2c.Dev{Addr: cfg.Address, Bus: bus},
		vinScale: cfg.VinScale,
		iinScale: cfg.IinScale,
		log:      log.GetLogger("pmbus"),
	}
	if d.vinScale == 0 {
		d.vinScale = 1
	}
	if d.iinScale == 0 {
		d.iinScale = 1
	}
	return d
}

// Open initializes the host drivers and opens cfg.Bus; an empty name
// picks the first bus.
func Open(cfg config.PMBusConfig) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, errors.ErrRuntimeInit, "periph host init failed")
	}
	bus, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrRuntimeInit, "cannot open I2C bus").
			SetContext("bus", cfg.Bus)
	}
	d := New(bus, cfg)
	d.bus = bus
	d.log.Info("opened %s, converter at 0x%02x", bus, cfg.Address)
	return d, nil
}

// ReadWord issues a PMBus read word command.
func (d *Device) ReadWord(cmd byte) (uint16, error) {
	var r [2]byte
	if err := d.dev.Tx([]byte{cmd}, r[:]); err != nil {
		return 0, fmt.Errorf("read 0x%02x: %w", cmd, err)
	}
	return binary.LittleEndian.Uint16(r[:]), nil
}

// ClearFaults sends CLEAR_FAULTS.
func (d *Device) ClearFaults() error {
	return d.dev.Tx([]byte{CmdClearFaults}, nil)
}

// Status returns STATUS_WORD.
func (d *Device) Status() (uint16, error) {
	return d.ReadWord(CmdStatusWord)
}

// Sample reads READ_VIN and READ_IIN and converts them to Q8.8,
// saturating out-of-range readings.
func (d *Device) Sample(ctx context.Context) (mppt.Sample, error) {
	if err := ctx.Err(); err != nil {
		return mppt.Sample{}, err
	}
	vin, err := d.ReadWord(CmdReadVin)
	if err != nil {
		return mppt.Sample{}, errors.SourceReadError("pmbus", err)
	}
	iin, err := d.ReadWord(CmdReadIin)
	if err != nil {
		return mppt.Sample{}, errors.SourceReadError("pmbus", err)
	}
	return mppt.Sample{
		Voltage: fixed.FromFloat(DecodeLinear11(vin) * d.vinScale),
		Current: fixed.FromFloat(DecodeLinear11(iin) * d.iinScale),
	}, nil
}

// Close releases the bus if Open created it.
func (d *Device) Close() error {
	if d.bus == nil {
		return nil
	}
	return d.bus.Close()
}
