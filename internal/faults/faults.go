package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a failure for retry purposes.
//
// Job handlers classify every error before reporting it back to the queue:
// only Transient and RateLimited trigger automatic retry. Everything else
// is terminal and must leave a persisted reason.

type Kind string

const (
	KindValidation Kind = "validation"
	KindTransient  Kind = "transient_provider"
	KindRateLimit  Kind = "rate_limit_exceeded"
	KindTerminal   Kind = "terminal_provider"
	KindInvariant  Kind = "scheduler_invariant_violation"
)

// Fault is a classified error. Wrap provider and validation errors in a
// Fault at the boundary where the classification is known; deeper layers
// use errors.As to recover it.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error

	// RetryAfter is set for rate-limit faults when the window reset is known.
	RetryAfter time.Duration
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

func (f *Fault) Unwrap() error { return f.Err }

func Validation(format string, args ...any) error {
	return &Fault{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func Transient(msg string, err error) error {
	return &Fault{Kind: KindTransient, Msg: msg, Err: err}
}

func Terminal(msg string, err error) error {
	return &Fault{Kind: KindTerminal, Msg: msg, Err: err}
}

func RateLimited(msg string, retryAfter time.Duration) error {
	return &Fault{Kind: KindRateLimit, Msg: msg, RetryAfter: retryAfter}
}

// Invariant reports an integrity violation (e.g. two in-flight attempts
// for one enrollment). Callers must log these at error level and abort
// the operation; they are never retried.
func Invariant(format string, args ...any) error {
	return &Fault{Kind: KindInvariant, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the classification for err.
//
// Unclassified errors default to Transient when they look like I/O
// failures (timeouts, connection errors, canceled contexts at a provider
// boundary) and Terminal otherwise, so an unexpected error can never
// retry forever.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// A canceled send usually means shutdown mid-job; the queue's
		// at-least-once redelivery picks it up on the next start.
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindTerminal
}

// Retryable reports whether err should be retried by the job queue.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimit:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the requeue delay carried by a rate-limit fault,
// if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var f *Fault
	if errors.As(err, &f) && f.Kind == KindRateLimit && f.RetryAfter > 0 {
		return f.RetryAfter, true
	}
	return 0, false
}
