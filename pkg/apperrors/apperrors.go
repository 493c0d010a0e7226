// Package apperrors defines the error taxonomy shared across PrivSense's
// scan pipeline core (spec §7). Components convert recoverable faults into
// typed result records; only MetadataError, PersistenceError, and unhandled
// panics are expected to propagate to the orchestrator.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on error type
// without string matching (ValidationError, ResourceExhausted, ...).
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindResourceExhausted Kind = "ResourceExhausted"
	KindConnection        Kind = "ConnectionError"
	KindMetadata          Kind = "MetadataError"
	KindSampling          Kind = "SamplingError"
	KindDetection         Kind = "DetectionError"
	KindNerService        Kind = "NerServiceError"
	KindCancelled         Kind = "CancelledError"
	KindPersistence       Kind = "PersistenceError"
	KindNotFound          Kind = "NotFound"
	KindBusy              Kind = "Busy"
	KindConflict          Kind = "Conflict"
	KindAlreadyTerminal   Kind = "AlreadyTerminal"
	KindNotCompleted      Kind = "NotCompleted"
)

// Error is a typed, wrapped application error carrying a Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// Sentinel errors for simple not-found/conflict style cases that don't
// need a message, mirroring a plain sentinel-error style.
var (
	ErrNotFound          = errors.New("not found")
	ErrBusy              = errors.New("busy")
	ErrConflict          = errors.New("conflict")
	ErrAlreadyTerminal   = errors.New("already terminal")
	ErrNotCompleted      = errors.New("not completed")
	ErrResourceExhausted = errors.New("resource exhausted")
)
