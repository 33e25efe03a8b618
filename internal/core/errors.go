// Package core holds the error taxonomy and event-envelope helpers shared
// by the Dispatcher, Engine, Tool Invoker, Sandbox Manager, and Arbiter.
package core

import (
	"errors"
	"fmt"

	"github.com/agentcore/agentcore/pkg/models"
)

// Error is a typed, wrapped error carrying the taxonomy kind that the
// Dispatcher turns into a TurnEvent of type error. Use errors.As to recover
// a *Error from a deeper call stack and errors.Is against the sentinel
// Kind values below.
type Error struct {
	Kind  models.ErrorKind
	Msg   string
	Extra map[string]any
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, core.Kind(models.ErrNotFound)) style checks work
// against a *Error without comparing messages.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an *Error of the given kind.
func New(kind models.ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind, chaining cause via errors.Unwrap.
func Wrap(kind models.ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WithExtra attaches extra event data (e.g. quota_exceeded's capability/limit/used).
func (e *Error) WithExtra(k string, v any) *Error {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[k] = v
	return e
}

// Kind is a convenience sentinel constructor used with errors.Is: Kind(x).Is(err).
func Kind(k models.ErrorKind) *Error { return &Error{Kind: k} }

// AsEvent converts any error into a TurnEvent of type error. Errors that are
// not a *Error are reported as internal_error.
func AsEvent(err error) *models.TurnEvent {
	var ce *Error
	if errors.As(err, &ce) {
		return models.NewError(ce.Kind, ce.Msg, ce.Extra)
	}
	return models.NewError(models.ErrInternal, err.Error(), nil)
}

// KindOf extracts the taxonomy kind from an error, defaulting to internal_error.
func KindOf(err error) models.ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return models.ErrInternal
}
