// Package errors provides error handling for the custom-lint broker.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Network portability across the broker/worker boundary
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
//	if errors.Is(err, errors.ErrChannelClosed) {
//	    // handle closed worker transport
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"fmt"

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

// Stack trace access
var (
	GetReportableStackTrace = crdb.GetReportableStackTrace
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors for the broker and worker channel.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrChannelClosed indicates the worker transport was closed mid-operation
	ErrChannelClosed = New("channel closed")

	// ErrWorkerTerminated indicates the worker reached its terminal state
	ErrWorkerTerminated = New("worker terminated")

	// ErrVersionIncompatible indicates the handshake rejected the plugin's
	// declared version range
	ErrVersionIncompatible = New("plugin version incompatible")

	// ErrDuplicateVersionCheck indicates the host sent a second version-check
	// request on the same connection
	ErrDuplicateVersionCheck = New("version check already performed")

	// ErrNotHandshaken indicates an operation that requires a completed
	// version handshake was attempted before one
	ErrNotHandshaken = New("version handshake not complete")

	// ErrUnknownRequest indicates a request kind with no local handler and
	// no worker to forward it to
	ErrUnknownRequest = New("unknown request")
)

// StackText renders an error with its full stack trace, suitable for
// embedding in a protocol error payload. Falls back to the plain message
// when the error carries no stack.
func StackText(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%+v", err)
}

// IsChannelClosedError checks if an error is or wraps ErrChannelClosed
func IsChannelClosedError(err error) bool {
	return err != nil && Is(err, ErrChannelClosed)
}

// IsVersionIncompatibleError checks if an error is or wraps ErrVersionIncompatible
func IsVersionIncompatibleError(err error) bool {
	return err != nil && Is(err, ErrVersionIncompatible)
}
