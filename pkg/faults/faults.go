// Package faults defines the domain error kinds the stage runner keys
// its retry policy on. Every external call site wraps its failures into
// one of these; everything else is treated as permanent.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind tags an error with retry semantics.
type Kind int

const (
	// KindTransient covers network failures, 5xx, 429, and DB
	// deadlocks. Retried within the budget.
	KindTransient Kind = iota

	// KindPermanent covers validation failures and non-429 4xx. Never
	// retried.
	KindPermanent

	// KindCancelled marks cooperative cancellation.
	KindCancelled

	// KindFatalInfra marks unreachable infrastructure. Terminates the
	// whole batch.
	KindFatalInfra
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCancelled:
		return "cancelled"
	case KindFatalInfra:
		return "fatal_infra"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as retriable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Transientf is Transient with formatting.
func Transientf(format string, args ...any) error {
	return &Error{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

// Permanent wraps err as non-retriable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// Permanentf is Permanent with formatting.
func Permanentf(format string, args ...any) error {
	return &Error{Kind: KindPermanent, Err: fmt.Errorf(format, args...)}
}

// Cancelled wraps err as cooperative cancellation.
func Cancelled(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindCancelled, Err: err}
}

// FatalInfra wraps err as batch-terminating.
func FatalInfra(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatalInfra, Err: err}
}

// KindOf classifies err. Untagged cancellation counts as cancelled,
// untagged timeouts as transient, anything else as permanent.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return KindPermanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsCancelled reports whether err is cooperative cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// IsFatalInfra reports whether err must terminate the batch.
func IsFatalInfra(err error) bool {
	return KindOf(err) == KindFatalInfra
}

// FromHTTPStatus classifies an HTTP status code: 429 and 5xx are
// transient, other 4xx permanent.
func FromHTTPStatus(status int, err error) error {
	if status == 429 || status >= 500 {
		return Transient(err)
	}
	return Permanent(err)
}
