// Unified error handling for the MPPT controller
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Sample source and duty sink errors
	ErrSourceRead      ErrorCode = "SOURCE_READ"
	ErrSourceExhausted ErrorCode = "SOURCE_EXHAUSTED"
	ErrSinkWrite       ErrorCode = "SINK_WRITE"

	// Serial link framing errors
	ErrLinkFrame ErrorCode = "LINK_FRAME"
	ErrLinkCRC   ErrorCode = "LINK_CRC"

	// Telemetry export errors
	ErrTelemetryPublish ErrorCode = "TELEMETRY_PUBLISH"

	// Runtime errors
	ErrRuntime      ErrorCode = "RUNTIME"
	ErrRuntimeInit  ErrorCode = "RUNTIME_INIT"
	ErrRuntimeFault ErrorCode = "RUNTIME_FAULT"
)

// HostError is the unified error type for the controller host
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// File is the source file (config or trace) if available
	File string

	// Line is the line number in the source file (if available)
	Line int

	// Section is the config section or component
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	where := e.Section
	if e.Option != "" {
		where = e.Section + "." + e.Option
	}
	msg := fmt.Sprintf("[%s:%s] %s", e.Code, where, e.Message)
	if e.File != "" {
		if e.Line > 0 {
			msg = fmt.Sprintf("%s (%s:%d)", msg, e.File, e.Line)
		} else {
			msg = fmt.Sprintf("%s (%s)", msg, e.File)
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetFile sets the source file
func (e *HostError) SetFile(file string) *HostError {
	e.File = file
	return e
}

// SetLine sets the line number
func (e *HostError) SetLine(line int) *HostError {
	e.Line = line
	return e
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for missing config option
func ConfigOptionError(section, option string) *HostError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// ConfigTypeError creates an error for config type conversion failure
func ConfigTypeError(section, option, value string, targetType string, err error) *HostError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("option '%s' in section '%s': failed to parse '%s' as %s", option, section, value, targetType)).
		SetSection(section).
		SetOption(option)
}

// Source and sink errors

// SourceReadError wraps a failed sample acquisition
func SourceReadError(source string, err error) *HostError {
	return Wrap(err, ErrSourceRead, fmt.Sprintf("%s: sample read failed", source)).
		SetSection(source)
}

// SourceExhaustedError reports a finite source that has no more samples
func SourceExhaustedError(source string) *HostError {
	return New(ErrSourceExhausted, fmt.Sprintf("%s: no more samples", source)).
		SetSection(source)
}

// SinkWriteError wraps a failed duty command
func SinkWriteError(sink string, err error) *HostError {
	return Wrap(err, ErrSinkWrite, fmt.Sprintf("%s: duty write failed", sink)).
		SetSection(sink)
}

// Link errors

// LinkFrameError reports a malformed frame on the serial link
func LinkFrameError(reason string) *HostError {
	return New(ErrLinkFrame, reason).SetSection("link")
}

// LinkCRCError reports a frame whose checksum did not match
func LinkCRCError(got, want uint16) *HostError {
	return New(ErrLinkCRC, fmt.Sprintf("crc mismatch: got 0x%04x want 0x%04x", got, want)).
		SetSection("link")
}

// TelemetryPublishError wraps a failed telemetry write
func TelemetryPublishError(exporter string, err error) *HostError {
	return Wrap(err, ErrTelemetryPublish, fmt.Sprintf("%s: publish failed", exporter)).
		SetSection(exporter)
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// RuntimeErrorInit creates an error for initialization failure
func RuntimeErrorInit(component string, reason string) *HostError {
	return New(ErrRuntimeInit, fmt.Sprintf("failed to initialize %s: %s", component, reason)).
		SetSection(component)
}

// RuntimeFaultError reports that the control loop entered the faulted state
func RuntimeFaultError(missed int, last error) *HostError {
	return Wrap(last, ErrRuntimeFault, fmt.Sprintf("%d consecutive samples missed", missed)).
		SetContext("missed", missed)
}

// WithConfigPath adds config file path to error context
func WithConfigPath(err *HostError, path string) *HostError {
	if err == nil {
		return nil
	}
	err.SetFile(path)
	return err
}

// RecoverPanic converts a recovered panic value into a runtime error.
// Call it as: defer func() { if e := errors.RecoverPanic(recover()); e != nil {...} }()
func RecoverPanic(r interface{}) *HostError {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case runtime.Error:
		return RuntimeError(x.Error())
	case error:
		return RuntimeError(x.Error())
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if any error in err's chain carries the given code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for err != nil {
		if !stderrors.As(err, &hostErr) {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsSource checks if error came from sample acquisition
func IsSource(err error) bool {
	return Is(err, ErrSourceRead) || Is(err, ErrSourceExhausted)
}

// IsLink checks if error is a link framing error
func IsLink(err error) bool {
	return Is(err, ErrLinkFrame) || Is(err, ErrLinkCRC)
}

// IsRuntime checks if error is a runtime error
func IsRuntime(err error) bool {
	return Is(err, ErrRuntime) ||
		Is(err, ErrRuntimeInit) ||
		Is(err, ErrRuntimeFault)
}
