// Package errs defines the error kinds shared by the cache, sync queue,
// network and datastore packages.
//
// Every error returned across a package boundary is an *Error whose Kind is
// one of the sentinels below. Both the kind and the underlying cause can be
// checked with errors.Is:
//
//	if errors.Is(err, errs.ErrNotFound) {
//	    // nothing cached under that id
//	}
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCacheWrite is returned when a local storage write fails (insert
	// conflict, I/O fault, serialization fault).
	ErrCacheWrite = errors.New("cache write failed")

	// ErrCacheRead is returned when a local storage read fails for any
	// reason other than the entity being absent.
	ErrCacheRead = errors.New("cache read failed")

	// ErrNotFound is returned when a lookup by id finds nothing.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidOperation is returned for policy/operation combinations the
	// datastore contract disallows, such as pulling over pending writes.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrNetwork is returned when the backend answered with a non-success
	// status. The *Error carries the status code and server message.
	ErrNetwork = errors.New("network request failed")

	// ErrNetworkUnavailable is returned when the backend could not be
	// reached at all.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrNotImplemented is returned for operations intentionally left
	// unsupported.
	ErrNotImplemented = errors.New("not implemented")

	// ErrCancelled is returned when the caller's context was cancelled or
	// its deadline expired during a network-bound operation.
	ErrCancelled = errors.New("operation cancelled")
)

// Error is a typed error carrying its kind, the operation that produced it
// and, for network errors, the HTTP status and server-provided message.
type Error struct {
	Kind       error
	Op         string
	Message    string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("error")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	var out []error
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// New creates an *Error of the given kind without an underlying cause.
func New(kind error, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf is New with a formatted message.
func Newf(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying cause. Wrapping an
// error that already is an *Error of the same kind returns it unchanged so
// kinds do not stack up as errors travel between layers.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Network builds an ErrNetwork error for a non-success backend response.
func Network(op string, status int, message string) *Error {
	return &Error{Kind: ErrNetwork, Op: op, StatusCode: status, Message: message}
}

// KindOf returns the kind of err, or nil if err is not an *Error.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsRetryable reports whether a failed network call is worth retrying on
// the next push: the backend was unreachable, throttled us, or failed
// server-side.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetworkUnavailable) {
		return true
	}
	if errors.Is(err, ErrNetwork) {
		status := StatusCode(err)
		return status == 429 || status >= 500
	}
	return false
}
