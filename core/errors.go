package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison using errors.Is().
var (
	ErrValidation            = errors.New("validation error")
	ErrNotFound              = errors.New("not found")
	ErrStateConflict         = errors.New("illegal state transition")
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrTransportRetriable    = errors.New("transient transport error")
	ErrTransportFatal        = errors.New("fatal transport error")
	ErrCancellationRequested = errors.New("cancellation requested")
	ErrInternal              = errors.New("internal error")

	ErrSerialExhausted   = errors.New("serial allocator exhausted")
	ErrNoCredentials     = errors.New("no usable credentials")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
)

// FleetError carries structured context around a sentinel error so callers
// can both errors.Is against the taxonomy and read a human message.
type FleetError struct {
	Op      string // e.g. "store.CreateJob", "branch.Execute"
	Kind    string // one of the taxonomy kinds in §7 (ValidationError, NotFound, ...)
	ID      string // entity id/serial involved, if any
	Message string
	Err     error
}

func (e *FleetError) Error() string {
	switch {
	case e.Op != "" && e.ID != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %s: %v", e.Op, e.ID, e.Message, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind
	}
}

func (e *FleetError) Unwrap() error { return e.Err }

func NewValidationError(op, message string) *FleetError {
	return &FleetError{Op: op, Kind: "ValidationError", Message: message, Err: ErrValidation}
}

func NewNotFoundError(op, id string) *FleetError {
	return &FleetError{Op: op, Kind: "NotFound", ID: id, Message: "not found", Err: ErrNotFound}
}

func NewStateConflictError(op, id, message string) *FleetError {
	return &FleetError{Op: op, Kind: "StateConflict", ID: id, Message: message, Err: ErrStateConflict}
}

func NewAuthenticationFailure(op, message string) *FleetError {
	return &FleetError{Op: op, Kind: "AuthenticationFailure", Message: message, Err: ErrAuthenticationFailure}
}

func NewTransportError(op, message string, retriable bool) *FleetError {
	if retriable {
		return &FleetError{Op: op, Kind: "TransportError", Message: message, Err: ErrTransportRetriable}
	}
	return &FleetError{Op: op, Kind: "TransportError", Message: message, Err: ErrTransportFatal}
}

func NewInternalError(op string, err error) *FleetError {
	return &FleetError{Op: op, Kind: "InternalError", Message: "internal error", Err: err}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err is, or wraps, a NotFound error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsStateConflict reports whether err is, or wraps, a StateConflict error.
func IsStateConflict(err error) bool { return errors.Is(err, ErrStateConflict) }

// IsAuthenticationFailure reports whether err is an AuthenticationFailure.
func IsAuthenticationFailure(err error) bool { return errors.Is(err, ErrAuthenticationFailure) }

// IsRetryableTransport reports whether err is a retriable TransportError.
func IsRetryableTransport(err error) bool { return errors.Is(err, ErrTransportRetriable) }

// IsFatalTransport reports whether err is a fatal TransportError.
func IsFatalTransport(err error) bool { return errors.Is(err, ErrTransportFatal) }

// IsCancellation reports whether err represents an observed cancellation.
func IsCancellation(err error) bool { return errors.Is(err, ErrCancellationRequested) }
