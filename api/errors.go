// Package api
// Author: momentics <momentics@gmail.com>
//
// Uniform status domain shared by buffers, loops, pollers and channels.
// Every asynchronous outcome resolves to nil or to an error whose status can
// be recovered with StatusOf.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrNotSupported    = fmt.Errorf("operation not supported")

	// ErrDefect marks a programming error. Values wrapping it are raised with panic.
	ErrDefect = errors.New("defect")
)

// Status is the result code of an asynchronous operation.
// Status implements error so it can be returned and compared directly.
type Status int32

const (
	StatusOK Status = iota
	// StatusWouldBlock is transient: the operation must be re-armed.
	StatusWouldBlock
	// StatusBackpressure is transient: the write budget is exhausted.
	StatusBackpressure
	// StatusAlready reports a repeated request (second close, second launch).
	StatusAlready
	// StatusConnecting reports a request that conflicts with an in-progress connect.
	StatusConnecting
	StatusClosed
	StatusEOF
	StatusReset
	StatusRefused
	// StatusSocket is any socket failure without a more specific code.
	StatusSocket
	// StatusTerminating is delivered to registrations of a loop that is shutting down.
	StatusTerminating
	// StatusTornDown resolves work that outlived its loop.
	StatusTornDown
	StatusAborted
	StatusTimeout
	StatusInvalid
)

var statusNames = [...]string{
	StatusOK:           "ok",
	StatusWouldBlock:   "would block",
	StatusBackpressure: "backpressure limited",
	StatusAlready:      "already requested",
	StatusConnecting:   "connect in progress",
	StatusClosed:       "closed",
	StatusEOF:          "end of stream",
	StatusReset:        "connection reset",
	StatusRefused:      "connection refused",
	StatusSocket:       "socket error",
	StatusTerminating:  "loop terminating",
	StatusTornDown:     "loop torn down",
	StatusAborted:      "aborted",
	StatusTimeout:      "timeout",
	StatusInvalid:      "invalid state",
}

// String returns the human readable status name.
func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Error implements the error interface.
func (s Status) Error() string { return s.String() }

// Transient reports whether the status only asks for the operation to be re-armed.
func (s Status) Transient() bool {
	return s == StatusWouldBlock || s == StatusBackpressure
}

// Conflict reports whether the status rejects a request without changing state.
func (s Status) Conflict() bool {
	return s == StatusAlready || s == StatusConnecting || s == StatusClosed
}

// Error is a status with the failed operation and the underlying cause
// (usually an errno translated at the socket boundary).
type Error struct {
	Code  Status
	Op    string
	Cause error
}

// NewError creates a new structured error.
func NewError(code Status, op string, cause error) *Error {
	return &Error{Code: code, Op: op, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Cause == nil:
		return e.Code.String()
	case e.Cause == nil:
		return e.Op + ": " + e.Code.String()
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Cause)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches a target Status by code.
func (e *Error) Is(target error) bool {
	s, ok := target.(Status)
	return ok && s == e.Code
}

// StatusOf extracts the status carried by err. Errors outside the status
// domain map to StatusSocket.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return StatusSocket
}

// Defect panics with an error wrapping ErrDefect.
func Defect(format string, args ...any) {
	panic(fmt.Errorf("%w: "+format, append([]any{ErrDefect}, args...)...))
}
