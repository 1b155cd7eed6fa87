// Package errs defines the typed error kinds shared across picoclaw-core
// components, per the error handling design: tool failures and timeouts are
// recoverable inside a turn, authorization and input errors are surfaced to
// the model, and store/provider errors escalate to an aborted turn.
package errs

import "errors"

// Kind classifies an error for propagation-policy decisions in the agent loop.
type Kind string

const (
	KindUnauthorized   Kind = "unauthorized"
	KindNotFound       Kind = "not_found"
	KindInvalidArgs    Kind = "invalid_args"
	KindProviderError  Kind = "provider_error"
	KindToolError      Kind = "tool_error"
	KindTimeout        Kind = "timeout"
	KindCancelled      Kind = "cancelled"
	KindBusy           Kind = "busy"
	KindTooLarge       Kind = "too_large"
	KindCorruption     Kind = "corruption"
	KindInternal       Kind = "internal"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// propagation policy without string matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ProviderErrorClass separates retryable (transient) provider failures from
// permanent ones.
type ProviderErrorClass int

const (
	ProviderTransient ProviderErrorClass = iota
	ProviderPermanent
)

// ProviderError carries the transient/permanent distinction from §4.5/§7.
type ProviderError struct {
	Class   ProviderErrorClass
	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Transient reports whether e belongs to the transient (retryable) class.
func (e *ProviderError) Transient() bool { return e.Class == ProviderTransient }

func NewTransientProviderError(message string, cause error) *ProviderError {
	return &ProviderError{Class: ProviderTransient, Message: message, Cause: cause}
}

func NewPermanentProviderError(message string, cause error) *ProviderError {
	return &ProviderError{Class: ProviderPermanent, Message: message, Cause: cause}
}
