// Package config provides INI-style configuration parsing with access
// tracking and validation for the MPPT controller daemon.
package config

import (
	"fmt"

	"mppt-controller/pkg/errors"
)

// Config errors are HostErrors carrying one of the CONFIG_* codes, so
// callers can classify them with errors.IsConfig.

// NewConfigError creates a validation error for a section/option.
func NewConfigError(section, option, message string) *errors.HostError {
	return errors.New(errors.ErrConfigValidation, message).
		SetSection(section).
		SetOption(option)
}

// ErrMissingOption returns an error for a required but missing option.
func ErrMissingOption(section, option string) *errors.HostError {
	return errors.ConfigOptionError(section, option)
}

// ErrMissingSection returns an error for a missing section.
func ErrMissingSection(section string) *errors.HostError {
	return errors.ConfigSectionError(section)
}

// ErrInvalidValue returns an error for a value that failed to parse.
func ErrInvalidValue(section, option, value, expected string, cause error) *errors.HostError {
	return errors.ConfigTypeError(section, option, value, expected, cause)
}

// ErrOutOfRange returns an error for a value outside the allowed range.
func ErrOutOfRange(section, option string, value interface{}, constraint string) *errors.HostError {
	return errors.ConfigValidationError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

// ErrInvalidChoice returns an error for an invalid choice value.
func ErrInvalidChoice(section, option, value string, choices []string) *errors.HostError {
	return errors.ConfigValidationError(section, option,
		fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices))
}
