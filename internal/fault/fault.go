// Package fault defines the error taxonomy shared by every pipeline stage and
// by the HTTP surface.
//
// Each stage maps its upstream failures onto a [*Fault] before surfacing them,
// so that handlers, the event store, and SSE consumers all see the same small
// set of codes. Cancellation is deliberately not a fault: a cancelled request
// closes cleanly and only records an event.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies a failure for clients and for the event log.
type Code string

const (
	CodeRateLimited Code = "rate_limited"
	CodeCancelled   Code = "cancelled"
	CodeTimeout     Code = "timeout"
	CodeASRError    Code = "asr_error"
	CodeRAGError    Code = "rag_error"
	CodeRAGPartial  Code = "rag_partial"
	CodeTTSError    Code = "tts_error"
	CodeBadRequest  Code = "bad_request"
	CodeNotFound    Code = "not_found"
	CodeInternal    Code = "internal_error"
)

// Fault is a classified error carrying the client-visible code, a safe
// message, and an optional retry hint. The wrapped cause (if any) is kept for
// logging but never serialised to clients.
type Fault struct {
	Code       Code
	Message    string
	Retriable  bool
	RetryAfter time.Duration
	cause      error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (f *Fault) Unwrap() error { return f.cause }

// New creates a fault with the given code and client-safe message.
func New(code Code, message string) *Fault {
	return &Fault{Code: code, Message: message, Retriable: retriableByDefault(code)}
}

// Wrap creates a fault that records cause for logs while keeping message as
// the client-visible text.
func Wrap(code Code, message string, cause error) *Fault {
	return &Fault{Code: code, Message: message, Retriable: retriableByDefault(code), cause: cause}
}

// WithRetryAfter returns a copy of f carrying a retry-after hint.
func (f *Fault) WithRetryAfter(d time.Duration) *Fault {
	cp := *f
	cp.RetryAfter = d
	cp.Retriable = true
	return &cp
}

// retriableByDefault reports whether errors of this code are worth retrying
// without operator intervention.
func retriableByDefault(code Code) bool {
	switch code {
	case CodeRateLimited, CodeASRError, CodeRAGError, CodeTTSError, CodeTimeout:
		return true
	}
	return false
}

// As extracts a *Fault from an arbitrary error chain. Unclassified errors are
// reported as internal faults so that stack details never leak to clients.
func As(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return Wrap(CodeInternal, "internal error", err)
}

// Is reports whether err carries the given fault code.
func Is(err error, code Code) bool {
	var f *Fault
	return errors.As(err, &f) && f.Code == code
}
