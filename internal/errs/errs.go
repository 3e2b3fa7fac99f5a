// Package errs classifies the failures the engine absorbs at its lowest layers.
// Nothing classified here is ever surfaced to a widget as a fault: callers turn
// it into an error string and keep the last good value.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class groups errors by how the engine reacts to them.
type Class int

const (
	// ClassTransient is a network or backend failure; the next poll or event heals it.
	ClassTransient Class = iota
	// ClassTimeout is a fetch that exceeded its bound. Handled like ClassTransient.
	ClassTimeout
	// ClassMalformed is an unparseable or unexpected payload.
	ClassMalformed
	// ClassRejected is input refused on purpose (e.g. a non-arithmetic expression).
	ClassRejected
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTimeout:
		return "timeout"
	case ClassMalformed:
		return "malformed"
	case ClassRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var (
	ErrTransientFetch     = errors.New("transient fetch failure")
	ErrTimeout            = errors.New("fetch timed out")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrExpressionRejected = errors.New("expression rejected")
	ErrBreakerOpen        = errors.New("circuit breaker open")
	ErrNotConnected       = errors.New("not connected")
)

// Classified wraps an error with its class and where it happened.
type Classified struct {
	Class     Class
	Component string
	Operation string
	Err       error
}

func (e *Classified) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Operation, e.Err)
}

func (e *Classified) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTimeout) match a classified timeout even when the
// wrapped cause is a context deadline.
func (e *Classified) Is(target error) bool {
	switch target {
	case ErrTransientFetch:
		return e.Class == ClassTransient
	case ErrTimeout:
		return e.Class == ClassTimeout
	case ErrMalformedPayload:
		return e.Class == ClassMalformed
	case ErrExpressionRejected:
		return e.Class == ClassRejected
	}
	return false
}

func Transient(component, op string, err error) error {
	return &Classified{Class: ClassTransient, Component: component, Operation: op, Err: err}
}

func Timeout(component, op string, err error) error {
	return &Classified{Class: ClassTimeout, Component: component, Operation: op, Err: err}
}

func Malformed(component, op string, err error) error {
	return &Classified{Class: ClassMalformed, Component: component, Operation: op, Err: err}
}

func Rejected(component, op string, err error) error {
	return &Classified{Class: ClassRejected, Component: component, Operation: op, Err: err}
}

// FromFetch classifies a raw error coming back from a network call.
// Deadline errors become timeouts, everything else is transient.
func FromFetch(component, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Classified
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(component, op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout(component, op, err)
	}
	return Transient(component, op, err)
}

// ClassOf reports the class of err, or ClassTransient for unclassified errors.
func ClassOf(err error) Class {
	var ce *Classified
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassTransient
}

// IsRetryable is true for failures the next poll may fix.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	c := ClassOf(err)
	return c == ClassTransient || c == ClassTimeout
}
