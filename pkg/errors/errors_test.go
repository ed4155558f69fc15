// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestHostErrorFormat(t *testing.T) {
	tests := []struct {
		name string
		err  *HostError
		want string
	}{
		{
			name: "section only",
			err:  ConfigSectionError("mppt"),
			want: "[CONFIG_SECTION:mppt] section 'mppt' not found",
		},
		{
			name: "section and option",
			err:  ConfigValidationError("mppt", "tick_period", "must be positive"),
			want: "[CONFIG_VALIDATION:mppt.tick_period] option 'tick_period' in section 'mppt': must be positive",
		},
		{
			name: "file and line",
			err:  ConfigOptionError("trace", "path").SetFile("mppt.cfg").SetLine(12),
			want: "[CONFIG_OPTION:trace.path] option 'path' not found in section 'trace' (mppt.cfg:12)",
		},
		{
			name: "wrapped",
			err:  SourceReadError("pmbus", io.ErrUnexpectedEOF),
			want: "[SOURCE_READ:pmbus] pmbus: sample read failed: unexpected EOF",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	err := SinkWriteError("serial", io.ErrClosedPipe)
	if !stderrors.Is(err, io.ErrClosedPipe) {
		t.Error("errors.Is should see the wrapped cause")
	}
}

func TestIsThroughChain(t *testing.T) {
	inner := LinkCRCError(0x1234, 0xabcd)
	outer := SourceReadError("serial", inner)
	wrapped := fmt.Errorf("tick 7: %w", outer)

	if !Is(wrapped, ErrSourceRead) {
		t.Error("expected SOURCE_READ in chain")
	}
	if !Is(wrapped, ErrLinkCRC) {
		t.Error("expected LINK_CRC in chain")
	}
	if !IsLink(wrapped) {
		t.Error("IsLink() = false")
	}
	if Is(wrapped, ErrSinkWrite) {
		t.Error("SINK_WRITE should not match")
	}
	if Is(io.EOF, ErrSourceRead) {
		t.Error("plain error should not match")
	}
}

func TestCategories(t *testing.T) {
	if !IsConfig(ConfigTypeError("mqtt", "qos", "x", "int", fmt.Errorf("bad"))) {
		t.Error("ConfigTypeError should be a config error")
	}
	if IsConfig(RuntimeError("boom")) {
		t.Error("RuntimeError should not be a config error")
	}
	if !IsRuntime(RuntimeFaultError(3, io.EOF)) {
		t.Error("RuntimeFaultError should be a runtime error")
	}
	if !IsRuntime(RuntimeErrorInit("api", "port busy")) {
		t.Error("RuntimeErrorInit should be a runtime error")
	}
}

func TestSetContext(t *testing.T) {
	err := RuntimeFaultError(5, nil)
	if err.Context["missed"] != 5 {
		t.Errorf("Context[missed] = %v", err.Context["missed"])
	}
	if WithConfigPath(nil, "x") != nil {
		t.Error("WithConfigPath(nil) should return nil")
	}
	if got := WithConfigPath(New(ErrConfigOption, "m"), "/etc/mppt.cfg").File; got != "/etc/mppt.cfg" {
		t.Errorf("File = %q", got)
	}
}

func TestRecoverPanic(t *testing.T) {
	run := func(f func()) (err *HostError) {
		defer func() { err = RecoverPanic(recover()) }()
		f()
		return nil
	}

	if err := run(func() {}); err != nil {
		t.Errorf("no panic should give nil, got %v", err)
	}
	err := run(func() { panic("sink gone") })
	if err == nil || !strings.Contains(err.Message, "sink gone") {
		t.Errorf("string panic not converted: %v", err)
	}
	err = run(func() {
		var m map[string]int
		m["x"] = 1
	})
	if err == nil || err.Code != ErrRuntime {
		t.Errorf("runtime panic not converted: %v", err)
	}
}

func TestIsSource(t *testing.T) {
	if !IsSource(SourceExhaustedError("trace")) {
		t.Error("SourceExhaustedError should be a source error")
	}
	if IsSource(SinkWriteError("mqtt", io.EOF)) {
		t.Error("SinkWriteError should not be a source error")
	}
}
