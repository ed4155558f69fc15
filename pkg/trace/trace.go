// Recorded sample trace replay
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package trace replays recorded voltage/current samples from CSV.
//
// Each record is "voltage,current". A value written as 0x.... is a raw
// Q8.8 word; anything else is parsed as a decimal quantity (volts or
// amps) and rounded to Q8.8. Lines starting with '#' are comments, and a
// first line that does not parse as numbers is taken as a header.
// Further columns are ignored.
package trace

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"mppt-controller/pkg/errors"
	"mppt-controller/pkg/fixed"
	"mppt-controller/pkg/mppt"
)

// ParseValue parses one trace field.
func ParseValue(s string) (fixed.Q88, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid raw word %q: %w", s, err)
		}
		return fixed.Q88(v), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", s, err)
	}
	return fixed.FromFloat(f), nil
}

// Read parses a whole trace.
func Read(r io.Reader) ([]mppt.Sample, error) {
	cr := newReader(r)
	var samples []mppt.Sample
	for n := 0; ; n++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return samples, nil
		}
		if err != nil {
			return nil, err
		}
		s, err := parseRecord(rec)
		if err != nil {
			if n == 0 {
				continue
			}
			pos, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", pos, err)
		}
		samples = append(samples, s)
	}
}

// ReadFile parses the trace at path.
func ReadFile(path string) ([]mppt.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	samples, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return samples, nil
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	return cr
}

func parseRecord(rec []string) (mppt.Sample, error) {
	if len(rec) < 2 {
		return mppt.Sample{}, fmt.Errorf("expected voltage,current, got %d fields", len(rec))
	}
	v, err := ParseValue(rec[0])
	if err != nil {
		return mppt.Sample{}, err
	}
	i, err := ParseValue(rec[1])
	if err != nil {
		return mppt.Sample{}, err
	}
	return mppt.Sample{Voltage: v, Current: i}, nil
}

// Source serves a loaded trace one sample per call.
type Source struct {
	mu      sync.Mutex
	name    string
	samples []mppt.Sample
	pos     int
	loop    bool
}

// NewSource returns a source over samples. With loop set it wraps to the
// first sample instead of reporting exhaustion.
func NewSource(name string, samples []mppt.Sample, loop bool) *Source {
	return &Source{name: name, samples: samples, loop: loop}
}

// Open loads the trace at path into a Source.
func Open(path string, loop bool) (*Source, error) {
	samples, err := ReadFile(path)
	if err != nil {
		return nil, errors.SourceReadError("trace", err)
	}
	if len(samples) == 0 {
		return nil, errors.SourceExhaustedError("trace").SetFile(path)
	}
	return NewSource(path, samples, loop), nil
}

// Sample returns the next sample, or a SOURCE_EXHAUSTED error at the end
// of a non-looping trace.
func (s *Source) Sample(ctx context.Context) (mppt.Sample, error) {
	if err := ctx.Err(); err != nil {
		return mppt.Sample{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.samples) {
		if !s.loop || len(s.samples) == 0 {
			return mppt.Sample{}, errors.SourceExhaustedError("trace").SetFile(s.name)
		}
		s.pos = 0
	}
	sample := s.samples[s.pos]
	s.pos++
	return sample, nil
}

// Len returns the number of samples in the trace.
func (s *Source) Len() int {
	return len(s.samples)
}

// Position returns how many samples have been served in the current pass.
func (s *Source) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}
