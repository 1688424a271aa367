// Package coreerr defines the error taxonomy shared by every component of
// the orchestrator core (spec §7). Callers dispatch on code via Is(err,
// code) (or errors.Is against an *Error built with New(code, "")), never
// by matching error text.
package coreerr

import (
	"errors"
	"fmt"
)

// Code is one of the fixed failure categories every operation in the core
// reports through.
type Code string

const (
	NotFound        Code = "not-found"
	InvalidArgument Code = "invalid-argument"
	Conflict        Code = "conflict"
	Exhausted       Code = "exhausted"
	RateLimited     Code = "rate-limited"
	Interrupted     Code = "interrupted"
	IO              Code = "io"
	Corrupt         Code = "corrupt"
	Internal        Code = "internal"
)

// Error is the concrete error type carrying a Code, a message, and an
// optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, coreerr.New(coreerr.NotFound, "")) style checks
// by comparing the codes of two *Error values; the target's message and
// cause are ignored.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error with the given code, message, and underlying
// cause, following the project-wide fmt.Errorf("...: %w", err) convention
// but surfaced as a typed code instead of ad-hoc string wrapping.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Of reports the Code of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func Of(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	c, ok := Of(err)
	return ok && c == code
}
