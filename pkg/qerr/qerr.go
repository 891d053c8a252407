// Package qerr provides a small error-kind registry for the query
// execution core: a Kind per failure category, a concrete Error
// carrying kind plus optional cause, and a constructor per kind.
package qerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the abstract categories named by
// the error handling design.
type Kind int

const (
	Analysis Kind = iota
	Dispatch
	ProtocolDecode
	ProtocolIntegrity
	ResourceExhausted
	NotFound
	Merge
	Cancelled
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Analysis:
		return "ANALYSIS"
	case Dispatch:
		return "DISPATCH"
	case ProtocolDecode:
		return "PROTOCOL_DECODE"
	case ProtocolIntegrity:
		return "PROTOCOL_INTEGRITY"
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case NotFound:
		return "NOT_FOUND"
	case Merge:
		return "MERGE"
	case Cancelled:
		return "CANCELLED"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type carried across the core. It wraps an
// optional cause and tags itself with a Kind so callers can branch on
// errors.As without string matching.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind reports the error's category.
func (e *Error) Kind() Kind { return e.kind }

func newErr(k Kind, msg string, cause error) *Error {
	return &Error{kind: k, msg: msg, cause: cause}
}

func NewAnalysis(msg string) *Error                   { return newErr(Analysis, msg, nil) }
func NewDispatch(msg string, cause error) *Error      { return newErr(Dispatch, msg, cause) }
func NewProtocolDecode(msg string, cause error) *Error {
	return newErr(ProtocolDecode, msg, cause)
}
func NewProtocolIntegrity(msg string) *Error           { return newErr(ProtocolIntegrity, msg, nil) }
func NewResourceExhausted(msg string) *Error           { return newErr(ResourceExhausted, msg, nil) }
func NewNotFound(msg string) *Error                    { return newErr(NotFound, msg, nil) }
func NewMerge(msg string, cause error) *Error          { return newErr(Merge, msg, cause) }
func NewCancelled(msg string) *Error                   { return newErr(Cancelled, msg, nil) }
func NewFatal(msg string, cause error) *Error          { return newErr(Fatal, msg, cause) }

// Is reports whether err is a *qerr.Error of the given kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == k
	}
	return false
}

// KindOf returns the Kind of err, or Fatal if err is not a *qerr.Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Fatal
}
