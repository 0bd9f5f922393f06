// Package xerrors implements the error taxonomy of spec.md §7: every
// package-boundary function returns a tagged (kind, context, source) error
// instead of relying on exception-like control flow.
package xerrors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind is the user-visible error taxonomy.
type Kind string

const (
	InvalidParams   Kind = "invalid_params"
	NotFound        Kind = "not_found"
	Timeout         Kind = "timeout"
	RateLimited     Kind = "rate_limited"
	DaemonUnavail   Kind = "daemon_unavailable"
	Internal        Kind = "internal"
)

// Error is the tagged error variant carried by every component boundary.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]interface{}
	Source  error
}

func (e *Error) Error() string {
	if e.Source != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Source)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Source }

// New creates a new tagged error with a captured stack trace.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg, Source: pkgerrors.New(msg)}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap tags an existing error with a kind and message, preserving the
// original as Source (and its stack, if pkg/errors produced it).
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Source: pkgerrors.Wrap(err, msg)}
}

// WithContext attaches structured context (scripthash, height, conn id...)
// to a tagged error, returning a new Error value.
func WithContext(err error, ctx map[string]interface{}) error {
	e, ok := err.(*Error)
	if !ok {
		return err
	}
	merged := make(map[string]interface{}, len(e.Context)+len(ctx))
	for k, v := range e.Context {
		merged[k] = v
	}
	for k, v := range ctx {
		merged[k] = v
	}
	return &Error{Kind: e.Kind, Message: e.Message, Context: merged, Source: e.Source}
}

// KindOf extracts the Kind of err, defaulting to Internal for untagged
// errors (a bug in whatever raised it, but never silently swallowed).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err's Kind, as KindOf reports it (the outermost
// tagged Error in the chain), is the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
