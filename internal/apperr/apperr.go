// Package apperr defines the tagged error values shared by every subsystem.
//
// Errors carry a machine-readable Kind, a human message, and an optional
// properties map with actionable fields (validation errors, missing capability
// names, offending paths). The HTTP layer switches on Kind to choose a status
// code; callers must never match on message strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure with a fixed HTTP and retry meaning.
type Kind string

// Error kinds recognized across the system.
const (
	// KindValidation means input failed schema or shape checks; 400, no retry.
	KindValidation Kind = "validation"
	// KindNotAuthorized means a scope or capability is missing; 403.
	KindNotAuthorized Kind = "not-authorized"
	// KindNotFound means a referenced entity is absent; 404.
	KindNotFound Kind = "not-found"
	// KindConcurrentUpdate means an ifMatch timestamp mismatch; 412.
	KindConcurrentUpdate Kind = "concurrent-update"
	// KindDuplicate means a unique-key collision; 409.
	KindDuplicate Kind = "duplicate"
	// KindBundleNotFound means the bundle registry has no such version.
	KindBundleNotFound Kind = "bundle-not-found"
	// KindBundleCorrupt means the bundle checksum did not verify after retry.
	KindBundleCorrupt Kind = "bundle-corrupt"
	// KindAcquireFailed means remote transport failed while acquiring a bundle; retryable.
	KindAcquireFailed Kind = "acquire-failed"
	// KindDockerPolicy means container metadata violates runtime policy; terminal on the run.
	KindDockerPolicy Kind = "docker-policy"
	// KindExecution means a handler returned an error; subject to retry policy.
	KindExecution Kind = "execution"
	// KindTimeout means a wall-clock budget was exceeded.
	KindTimeout Kind = "timeout"
	// KindCancelled means an operator cancel; terminal.
	KindCancelled Kind = "cancelled"
	// KindUnavailable means a dependency is temporarily down; retryable.
	KindUnavailable Kind = "unavailable"
	// KindSchemaIncompatible means an ingest schema differs non-additively
	// from the current dataset schema version.
	KindSchemaIncompatible Kind = "schema-incompatible"
	// KindInvalidCursor means a pagination cursor failed validation.
	KindInvalidCursor Kind = "invalid-cursor"
	// KindInternal covers unexpected failures with no better classification.
	KindInternal Kind = "internal"
)

// Error is the tagged error value propagated between subsystems.
type Error struct {
	Kind       Kind
	Message    string
	Properties map[string]any
	cause      error
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records cause for errors.Unwrap chains.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithProperty attaches a single actionable property and returns the error.
func (e *Error) WithProperty(key string, value any) *Error {
	if e.Properties == nil {
		e.Properties = make(map[string]any)
	}

	e.Properties[key] = value

	return e
}

// WithProperties replaces the properties map and returns the error.
func (e *Error) WithProperties(props map[string]any) *Error {
	e.Properties = props

	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports kind equality so that sentinel comparisons like
// errors.Is(err, apperr.New(apperr.KindNotFound, "")) work on kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}

	return false
}

// KindOf extracts the Kind from an error chain. Non-tagged errors report
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}

	return false
}

// Retryable reports whether the error kind is safe to retry.
// Execution and timeout errors defer to the run's retry policy and are
// reported retryable here; the runtime applies maxAttempts on top.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindAcquireFailed, KindExecution, KindTimeout:
		return true
	default:
		return false
	}
}

// PropertiesOf extracts the properties map from an error chain, or nil.
func PropertiesOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Properties
	}

	return nil
}
