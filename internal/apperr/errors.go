// Package apperr defines the error taxonomy shared by the link and content
// services. Handlers classify errors with KindOf to pick an HTTP status; the
// wrapped cause is kept for logs while Message stays safe to show a caller.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the operation surface.
type Kind int

const (
	// KindUnknown is the zero Kind, used for unclassified errors.
	KindUnknown Kind = iota

	// KindUnauthenticated means no verified caller identity was presented.
	KindUnauthenticated

	// KindInvalidArgument means a required field was missing or malformed.
	KindInvalidArgument

	// KindFailedPrecondition means the user's records are not in the state
	// the operation needs (no pending flow, account not linked).
	KindFailedPrecondition

	// KindSecurityViolation means an anti-forgery check failed. Never retried
	// automatically.
	KindSecurityViolation

	// KindUpstream means the provider call failed (network, 4xx, 5xx).
	KindUpstream

	// KindQuotaExceeded means the provider reported a usage cap or rate
	// limit. Needs different user messaging than a transient failure.
	KindQuotaExceeded
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindFailedPrecondition:
		return "failed_precondition"
	case KindSecurityViolation:
		return "security_violation"
	case KindUpstream:
		return "upstream_error"
	case KindQuotaExceeded:
		return "quota_exceeded"
	default:
		return "unknown"
	}
}

// Error carries a kind, a caller-safe message, and an optional cause.
// The cause may contain provider status/body for diagnostics; Message must
// never contain tokens or other secrets.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// New returns an Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an Error that records cause for logging.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf returns the Kind of err, or KindUnknown if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// MessageOf returns the caller-safe message of err, or a generic fallback.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
