// Package kerrors classifies daemon errors into the small taxonomy the
// router's universal error handler dispatches on (validation, not_found,
// permission, timeout, ...) rather than relying on type switches over
// ad-hoc error types.
package kerrors

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind string

const (
	Validation         Kind = "validation"          // bad envelope or parameters
	NotFound           Kind = "not_found"            // unknown rule, context, or event
	Permission         Kind = "permission"           // missing capability
	Timeout            Kind = "timeout"
	Transport          Kind = "transport"            // I/O
	Template           Kind = "template"             // unresolved required path
	HandlerFailure     Kind = "handler_failure"      // caller-raised
	TransformerFailure Kind = "transformer_failure"
	ServiceFailure     Kind = "service_failure"
	Critical           Kind = "critical"    // data corruption, handler crash cascades
	Recoverable        Kind = "recoverable" // network, rate-limit, provider, temporary
)

// Error pairs a Kind with the underlying cause. Details carries structured
// data a caller needs to act on the failure programmatically (e.g. which
// capability was missing) beyond the human-readable message.
type Error struct {
	Kind    Kind
	Err     error
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind from a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Newf creates an Error of the given kind from a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// NewWithDetails creates an Error of the given kind carrying structured
// details alongside the message, e.g. {"required_capability": "..."}.
func NewWithDetails(kind Kind, msg string, details map[string]any) *Error {
	return &Error{Kind: kind, Err: errors.New(msg), Details: details}
}

// Wrap attaches a Kind to an existing error. Wrapping a nil error returns
// nil, matching fmt.Errorf-style call sites that check err != nil first.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// DetailsOf extracts the Details map from err if it (or something it
// wraps) is a *Error carrying one, otherwise nil.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// MessageOf returns the human-readable message for err without the "kind:"
// prefix Error() adds, so it can be placed directly on a response envelope's
// "error" field (e.g. "Permission denied" rather than "permission:
// Permission denied").
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.Kind)
	}
	return err.Error()
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, otherwise returns Critical — an unclassified failure is treated
// as the most severe kind rather than silently ignored.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Critical
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
