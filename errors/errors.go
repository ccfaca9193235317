// Package errors provides error handling for dirimport.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrTransientAPI) {
//	    // retry
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinel errors for the import engine.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrParse indicates a structural failure in the input dataset.
	// A session that hits this never reaches the running state.
	ErrParse = New("parse failure")

	// ErrNoPopulation indicates a record carries no usable population and
	// no default is configured. The record must be skipped before any API call.
	ErrNoPopulation = New("no population available")

	// ErrTransientAPI indicates a directory call failed in a way that is
	// safe to retry (rate limit, server error, network timeout).
	ErrTransientAPI = New("transient directory API failure")

	// ErrTerminalAPI indicates a directory call failed in a way that must
	// not be retried (client error, unparseable response).
	ErrTerminalAPI = New("terminal directory API failure")

	// ErrSessionNotFound indicates the requested import session does not exist
	// or has already been garbage-collected from the registry.
	ErrSessionNotFound = New("import session not found")

	// ErrChannelDead indicates a transport channel has been dropped from
	// fan-out after repeated delivery failures.
	ErrChannelDead = New("transport channel dead")
)

// IsRetryable reports whether err is safe to retry against the directory API.
func IsRetryable(err error) bool {
	return err != nil && Is(err, ErrTransientAPI)
}

// IsSessionNotFound checks if an error is or wraps ErrSessionNotFound.
func IsSessionNotFound(err error) bool {
	return err != nil && Is(err, ErrSessionNotFound)
}

// NewParseError creates a parse error with a formatted message.
func NewParseError(format string, args ...interface{}) error {
	return Wrap(ErrParse, Newf(format, args...).Error())
}
