// Package errors provides standardized error handling for the middleware core.
// Every error that crosses the RPC boundary carries a stable, machine-readable
// kind so that clients (UI, CLI, HA peer) can react without parsing messages.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the stable classification of an error on the RPC surface.
type Kind string

const (
	// KindValidation indicates an argument schema violation; Extra carries
	// a list of {path, message} records, one per offending path.
	KindValidation Kind = "validation"
	// KindMethodNotFound indicates an unknown <service>.<method> name.
	KindMethodNotFound Kind = "method_not_found"
	// KindAuthRequired indicates the session has not authenticated yet.
	KindAuthRequired Kind = "auth_required"
	// KindAuthFailed indicates credential verification failed.
	KindAuthFailed Kind = "auth_failed"
	// KindForbidden indicates the principal's roles do not grant the method.
	KindForbidden Kind = "forbidden"
	// KindNotFound indicates a referenced entity does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a state precondition was violated.
	KindConflict Kind = "conflict"
	// KindLocked indicates a required resource is held by another job.
	KindLocked Kind = "locked"
	// KindTimeout indicates a soft deadline was exceeded.
	KindTimeout Kind = "timeout"
	// KindCancelled indicates the caller or the system cancelled the work.
	KindCancelled Kind = "cancelled"
	// KindUnavailable indicates a collaborator service is temporarily down.
	KindUnavailable Kind = "unavailable"
	// KindInternal indicates an unhandled failure; the message is redacted
	// on the wire in production builds and correlated by trace id.
	KindInternal Kind = "internal"
)

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// RPC surface errors
	ErrMethodNotFound = New(KindMethodNotFound, "method does not exist")
	ErrAuthRequired   = New(KindAuthRequired, "authentication required")
	ErrAuthFailed     = New(KindAuthFailed, "authentication failed")
	ErrForbidden      = New(KindForbidden, "not authorized")
	ErrNotFound       = New(KindNotFound, "entity not found")
	ErrCancelled      = New(KindCancelled, "operation cancelled")
	ErrTimeout        = New(KindTimeout, "deadline exceeded")
)

// ValidationDetail describes one offending path in a validation failure.
// The schema engine collects every violation, not just the first.
type ValidationDetail struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// CallError is the error type that crosses the RPC boundary. It wraps an
// optional cause and carries the stable kind plus optional structured detail.
type CallError struct {
	Kind    Kind
	Message string
	Extra   any    // structured detail; []ValidationDetail for KindValidation
	TraceID string // set for KindInternal so logs can be correlated
	Err     error
}

// Error implements the error interface
func (ce *CallError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	if ce.Err != nil {
		return ce.Err.Error()
	}
	return string(ce.Kind)
}

// Unwrap returns the underlying error
func (ce *CallError) Unwrap() error {
	return ce.Err
}

// New creates a CallError with the given kind and message.
func New(kind Kind, message string) *CallError {
	return &CallError{Kind: kind, Message: message}
}

// Newf creates a CallError with a formatted message.
func Newf(kind Kind, format string, args ...any) *CallError {
	return &CallError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithExtra attaches structured detail and returns the same error.
func (ce *CallError) WithExtra(extra any) *CallError {
	ce.Extra = extra
	return ce
}

// Validation creates a validation error from collected detail records.
func Validation(details []ValidationDetail) *CallError {
	paths := make([]string, 0, len(details))
	for _, d := range details {
		paths = append(paths, d.Path)
	}
	return &CallError{
		Kind:    KindValidation,
		Message: fmt.Sprintf("validation failed at %s", strings.Join(paths, ", ")),
		Extra:   details,
	}
}

// KindOf returns the kind of an error, classifying plain errors as internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsKind reports whether the error carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsCall converts any error into a CallError suitable for the wire. Plain
// errors become internal errors tagged with the given trace id; an existing
// CallError passes through unchanged.
func AsCall(err error, traceID string) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return &CallError{
		Kind:    KindInternal,
		Message: err.Error(),
		TraceID: traceID,
		Err:     err,
	}
}

// Redacted returns a copy safe for production wire output. Internal errors
// lose their message; everything else passes through unchanged.
func (ce *CallError) Redacted() *CallError {
	if ce.Kind != KindInternal {
		return ce
	}
	return &CallError{
		Kind:    KindInternal,
		Message: "internal error",
		TraceID: ce.TraceID,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapKind wraps an error with context and assigns it a kind. If the cause
// already carries a kind it is preserved so classification survives wrapping.
func WrapKind(err error, kind Kind, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	var ce *CallError
	if errors.As(err, &ce) {
		kind = ce.Kind
	}
	return &CallError{Kind: kind, Message: wrapped.Error(), Err: wrapped}
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers need only one errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }
