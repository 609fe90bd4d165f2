// Package errors provides error handling for fieldflow.
//
// This package re-exports github.com/cockroachdb/errors, providing
// stack traces, error wrapping, and structured details, plus the
// pipeline's own error taxonomy as sentinel errors.
//
// Usage:
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check taxonomy
//	if errors.Is(err, errors.ErrUnchanged) {
//	    // benign conditional-write rejection, not an error
//	}
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

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Pipeline error taxonomy. Use these with errors.Is() for type-safe
// checking; wrap them with errors.Wrap() to add context while
// preserving the category.
var (
	// ErrConfiguration indicates a malformed task spec or condition
	// tree. Fatal at startup; a process refuses to start on it.
	ErrConfiguration = New("configuration error")

	// ErrValidation indicates a payload failed schema validation.
	// Recoverable per message: the message is acked and discarded,
	// never retried.
	ErrValidation = New("validation error")

	// ErrInfrastructure indicates an unexpected internal failure while
	// handling a message (transformer panic, parse failure). Reported,
	// not retried; the message is acked to avoid poison loops.
	ErrInfrastructure = New("infrastructure error")

	// ErrEndpoint indicates a worker endpoint returned data that fails
	// the task's output schema. The field is left unwritten and will be
	// recomputed on the next change-driven evaluation.
	ErrEndpoint = New("endpoint error")

	// ErrUnchanged indicates a conditional write was rejected because
	// the stored dependency fingerprint no longer matches. A normal
	// concurrency outcome, not a failure.
	ErrUnchanged = New("conditional update rejected")

	// ErrConnectivity indicates a broker or storage link loss.
	// Recovered by the owning component's reconnect state machine.
	ErrConnectivity = New("connectivity error")

	// ErrUnrecoverable indicates a startup failure that a restart will
	// not fix. The process reports it and exits.
	ErrUnrecoverable = New("unrecoverable error")

	// ErrMaxTaskTime indicates an execution unit exceeded the maximum
	// processing time and was terminated.
	ErrMaxTaskTime = New("max task time exceeded")

	// ErrNotFound indicates the requested item does not exist.
	ErrNotFound = New("not found")
)

// IsUnchanged reports whether err is the benign conditional-write
// rejection that callers must treat as a silent no-op.
func IsUnchanged(err error) bool {
	return err != nil && Is(err, ErrUnchanged)
}

// IsConfiguration reports whether err is or wraps ErrConfiguration.
func IsConfiguration(err error) bool {
	return err != nil && Is(err, ErrConfiguration)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewConfigurationError creates a configuration error with a formatted
// message. Used by spec validation at process start.
func NewConfigurationError(format string, args ...interface{}) error {
	return Wrap(ErrConfiguration, Newf(format, args...).Error())
}
