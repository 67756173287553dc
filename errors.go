package looping

import (
	"fmt"
)

// TypeError reports a callback or argument of the wrong kind, for example a
// nil callback or a negative file descriptor where a valid one is required.
// Registration operations return it synchronously; nothing is enqueued.
type TypeError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	if e.Message == "" {
		return "type error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TypeError) Unwrap() error {
	return e.Cause
}

// RangeError reports a well-typed value outside its accepted range, for
// example a signal number beyond the platform maximum.
type RangeError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *RangeError) Error() string {
	if e.Message == "" {
		return "range error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *RangeError) Unwrap() error {
	return e.Cause
}

// CapabilityError reports an operation the platform or backend cannot
// perform, such as registering a handler for a signal the runtime reserves.
// The request is well-formed; the environment refuses it.
type CapabilityError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	if e.Message == "" {
		return "capability error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *CapabilityError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a value recovered from a panicking callback. The loop
// logs it and continues draining; it never propagates out of Run on its own.
type PanicError struct {
	// Value is the recovered panic value.
	Value any
	// Stack is the goroutine stack captured at recovery, when available.
	Stack []byte
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("callback panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] for error matching
// through the cause chain.
//
// If the panic Value is not an error (e.g., a string or other type),
// returns nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// FatalError marks a failure that must halt the loop. A callback panics with
// a *FatalError to request teardown: the loop finishes recovering, records
// the first such failure, and every subsequent Run, RunOnce, or RunForever
// call returns it. Ordinary panics are logged and swallowed instead.
type FatalError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.Message == "" {
		if e.Cause != nil {
			return "fatal: " + e.Cause.Error()
		}
		return "fatal error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *FatalError) Unwrap() error {
	return e.Cause
}

// WrapError wraps an error with a message and optional cause chain.
// The result satisfies errors.Is(result, cause) == true.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
