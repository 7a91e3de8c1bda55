// Package errorkit defines the kernel-wide error taxonomy: a small set of
// category tags (Kind) plus a KernelError that carries one, wrapping
// github.com/pkg/errors for stack-frame capture and Cause() unwrapping the
// same way the original Python DukatError carries an original_error.
//
// Kind, KernelError and the sentinel constructors below are grounded in
// original_source/dukat/core/errors.py (ErrorCategory, DukatError and its
// per-category subclasses).
package errorkit

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a category tag surfaced to callers per spec.md §7.
type Kind string

const (
	KindSystem      Kind = "system"
	KindNetwork     Kind = "network"
	KindTimeout     Kind = "timeout"
	KindResource    Kind = "resource"
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindDependency  Kind = "dependency"
	KindTaskFailed  Kind = "task_failed"
	KindUnknown     Kind = "unknown"
)

// KernelError is the concrete error type every kernel-surfaced failure is
// wrapped in. message is human readable; Kind is the category tag; cause (if
// any) is the original error that triggered this one.
type KernelError struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *KernelError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As (both stdlib and github.com/pkg/errors)
// to see through to the original cause.
func (e *KernelError) Unwrap() error { return e.cause }

// Cause implements github.com/pkg/errors' Causer interface.
func (e *KernelError) Cause() error { return e.cause }

// New builds a KernelError with no wrapped cause, stamping a stack trace via
// pkg/errors so callers that print with "%+v" get a frame list.
func New(kind Kind, message string) error {
	return errors.WithStack(&KernelError{Kind: kind, Message: message})
}

// Wrap builds a KernelError around cause, preserving cause's kind if it is
// itself a KernelError and none is given explicitly via WrapKind.
func Wrap(cause error, message string) error {
	kind := KindUnknown
	if ke, ok := As(cause); ok {
		kind = ke.Kind
	}
	return WrapKind(kind, cause, message)
}

// WrapKind builds a KernelError around cause with an explicit kind.
func WrapKind(kind Kind, cause error, message string) error {
	return errors.WithStack(&KernelError{Kind: kind, Message: message, cause: cause})
}

// As reports whether err is (or wraps) a *KernelError and returns it.
func As(err error) (*KernelError, bool) {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is a KernelError, else KindUnknown.
func KindOf(err error) Kind {
	if ke, ok := As(err); ok {
		return ke.Kind
	}
	return KindUnknown
}

// Sentinel errors (spec.md §6): the synchronous refusals, plus the
// asynchronous completion errors for timeouts, open circuits, and
// unavailable resources.
var (
	ErrQueueFull          = New(KindResource, "queue full")
	ErrDuplicateID        = New(KindValidation, "duplicate task id")
	ErrCycleDetected      = New(KindValidation, "dependency graph contains a cycle")
	ErrNotFound           = New(KindNotFound, "not found")
	ErrTimedOut           = New(KindTimeout, "timed out")
	ErrCircuitOpen        = New(KindDependency, "circuit open")
	ErrResourceUnavailable = New(KindResource, "resource unavailable")
)
