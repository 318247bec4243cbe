package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies lifecycle failures.
type ErrorKind string

const (
	// KindNotFound is returned for unknown node names.
	KindNotFound ErrorKind = "not_found"
	// KindConflict is returned for name/port collisions and for mutating a
	// node that is running or mid-transition.
	KindConflict ErrorKind = "conflict"
	// KindPermissionDenied is returned when a directory cannot be created
	// or owned. Path carries the offending path.
	KindPermissionDenied ErrorKind = "permission_denied"
	// KindTimeout is returned when start or stop cannot confirm in time.
	KindTimeout ErrorKind = "timeout"
	// KindPartialFailure marks a successful operation whose best-effort
	// cleanup steps left warnings behind.
	KindPartialFailure ErrorKind = "partial_failure"
	// KindInvalid is returned for malformed input.
	KindInvalid ErrorKind = "invalid"
)

// Error is the typed error returned by lifecycle operations.
type Error struct {
	Kind     ErrorKind
	Message  string
	Node     string
	Path     string
	Details  map[string]any
	Warnings []string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Path != "" {
		fmt.Fprintf(&b, " (path %s)", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// WithDetail returns e with a detail key set.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewNotFound creates a NotFound error for a node.
func NewNotFound(node string) *Error {
	return &Error{Kind: KindNotFound, Node: node, Message: fmt.Sprintf("node %q not found", node)}
}

// NewConflict creates a Conflict error.
func NewConflict(node, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Node: node, Message: fmt.Sprintf(format, args...)}
}

// NewPermissionDenied creates a PermissionDenied error carrying the offending path.
func NewPermissionDenied(path string, err error) *Error {
	return &Error{Kind: KindPermissionDenied, Path: path, Message: "permission denied", Err: err}
}

// NewTimeout creates a Timeout error.
func NewTimeout(node, format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Node: node, Message: fmt.Sprintf(format, args...)}
}

// NewPartialFailure creates a PartialFailure carrying the cleanup warnings.
func NewPartialFailure(node string, warnings []string) *Error {
	return &Error{
		Kind:     KindPartialFailure,
		Node:     node,
		Message:  fmt.Sprintf("node %q removed with %d cleanup warning(s)", node, len(warnings)),
		Warnings: warnings,
	}
}

// NewInvalid creates an Invalid error.
func NewInvalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalid, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
