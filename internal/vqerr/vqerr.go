// Package vqerr implements a small error taxonomy: a small set of Kinds
// that callers can branch on with errors.Is/errors.As, wrapping an
// underlying cause with fmt.Errorf("%s: %w").
package vqerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories callers need to distinguish.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgs
	KindNoSuchTuner
	KindNoSuchStream
	KindNoMem
	KindShutdown
	KindServiceShutdown
	KindGraphConnect
	KindInsufficientTokens
	KindParseError
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgs:
		return "invalid_args"
	case KindNoSuchTuner:
		return "no_such_tuner"
	case KindNoSuchStream:
		return "no_such_stream"
	case KindNoMem:
		return "no_mem"
	case KindShutdown:
		return "shutdown"
	case KindServiceShutdown:
		return "service_shutdown"
	case KindGraphConnect:
		return "graph_connect"
	case KindInsufficientTokens:
		return "insufficient_tokens"
	case KindParseError:
		return "parse_error"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a typed error carrying a Kind, the operation that produced it,
// and an optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, vqerr.Kind) style matching against a sentinel
// constructed with New(kind, "", nil).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error for op with the given kind, optionally wrapping
// cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err (or any error it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinels for the common branch targets: callers compare with
// Is(err, vqerr.KindNoSuchStream) rather than these values directly, but
// the values are exported so tests can use errors.Is against a
// zero-cause sentinel directly.
var (
	ErrInvalidArgs        = New(KindInvalidArgs, "", nil)
	ErrNoSuchTuner        = New(KindNoSuchTuner, "", nil)
	ErrNoSuchStream       = New(KindNoSuchStream, "", nil)
	ErrNoMem              = New(KindNoMem, "", nil)
	ErrShutdown           = New(KindShutdown, "", nil)
	ErrServiceShutdown    = New(KindServiceShutdown, "", nil)
	ErrGraphConnect       = New(KindGraphConnect, "", nil)
	ErrInsufficientTokens = New(KindInsufficientTokens, "", nil)
	ErrParseError         = New(KindParseError, "", nil)
	ErrInternal           = New(KindInternal, "", nil)
)
