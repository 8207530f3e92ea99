// Package errors provides error handling for the publisher.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	if err := store.UpdateJob(job); err != nil {
//	    err = errors.Wrap(err, "failed to update job")
//	    return errors.WithDetail(err, fmt.Sprintf("Job handle: %s", job.Handle))
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
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors. Match with errors.Is(); wrap with errors.Wrap() to add
// context while preserving the type.
var (
	// ErrNotFound indicates the requested job or item does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates the operation does not apply to the current state
	// (e.g., cancelling a job that already finished)
	ErrConflict = New("resource conflict")

	// ErrPrecondition indicates a required argument or collaborator was absent
	ErrPrecondition = New("precondition violated")

	// ErrPublishStopped is raised by the hard-stop cancellation policy so the
	// caller never treats a cancelled run as complete. It has its own type, so
	// a pipeline error that merely carries the same text does not match.
	ErrPublishStopped error = publishStopped{}
)

// Is() falls back to comparing type and message of the innermost error, so
// the hard-stop sentinel cannot be a plain New() leaf.
type publishStopped struct{}

func (publishStopped) Error() string { return "Publishing has been stopped." }

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsPublishStopped reports whether err carries the hard-stop signal.
func IsPublishStopped(err error) bool {
	return err != nil && Is(err, ErrPublishStopped)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// Precondition returns ErrPrecondition naming the missing argument.
//
//	if rc == nil {
//	    return errors.Precondition("run context")
//	}
func Precondition(argument string) error {
	return Wrapf(ErrPrecondition, "%s is required", argument)
}
