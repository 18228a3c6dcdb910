// Package queueerr defines the error taxonomy shared by every component of
// the engine (spec §7). Each kind is a distinct type so callers can use
// errors.As instead of comparing strings, and each declares whether a
// worker should retry the job that produced it.
package queueerr

import (
	"errors"
	"fmt"
)

// ConnectionError indicates Redis was unreachable, auth failed, or the TLS
// handshake failed. Recovered locally by requesting a fresh handle from the
// Connection Manager; surfaced only after repeated failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsRetryable reports whether the worker boundary should schedule another
// attempt for the job that produced this error.
func (e *ConnectionError) IsRetryable() bool { return true }

// RateLimitError is a provider-signaled request-cap exceedance. Recovered by
// the Polling Loop's adaptive throttling.
type RateLimitError struct {
	Provider string
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s): %v", e.Provider, e.Err)
}

func (e *RateLimitError) Unwrap() error   { return e.Err }
func (e *RateLimitError) IsRetryable() bool { return true }

// TimeoutError fires when a labeled timeout elapses before the operation
// completed. Always classified as retryable.
type TimeoutError struct {
	Label   string
	AfterMs int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %dms: %s", e.AfterMs, e.Label)
}

func (e *TimeoutError) IsRetryable() bool { return true }

// HandlerRetryableError is an application-declared transient failure
// (downstream 5xx, transient DB contention).
type HandlerRetryableError struct {
	Reason string
	Err    error
}

func (e *HandlerRetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable handler error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("retryable handler error: %s", e.Reason)
}

func (e *HandlerRetryableError) Unwrap() error   { return e.Err }
func (e *HandlerRetryableError) IsRetryable() bool { return true }

// HandlerPermanentError is an application-declared terminal failure
// (validation, auth, policy).
type HandlerPermanentError struct {
	Reason string
	Err    error
}

func (e *HandlerPermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent handler error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent handler error: %s", e.Reason)
}

func (e *HandlerPermanentError) Unwrap() error   { return e.Err }
func (e *HandlerPermanentError) IsRetryable() bool { return false }

// CircuitOpenError is returned by a breaker-wrapped collaborator while the
// breaker is open. Retryable after resetTimeoutMs elapses.
type CircuitOpenError struct {
	Collaborator string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Collaborator)
}

func (e *CircuitOpenError) IsRetryable() bool { return true }

// UnknownJobClassError is surfaced only to the polling loop, which removes
// the offending job.
type UnknownJobClassError struct {
	Class string
}

func (e *UnknownJobClassError) Error() string {
	return fmt.Sprintf("unknown job class %q", e.Class)
}

func (e *UnknownJobClassError) IsRetryable() bool { return false }

// PayloadCorruptError indicates a job record is missing required fields or
// failed to decode; the polling loop removes the job and counts a permanent
// failure.
type PayloadCorruptError struct {
	JobID  string
	Reason string
}

func (e *PayloadCorruptError) Error() string {
	return fmt.Sprintf("corrupt payload for job %s: %s", e.JobID, e.Reason)
}

func (e *PayloadCorruptError) IsRetryable() bool { return false }

// retryClassifier is implemented by every error kind above.
type retryClassifier interface {
	IsRetryable() bool
}

// IsRetryable classifies an arbitrary error at the worker boundary. Errors
// in this package declare their own classification, even when wrapped; any
// other error falls back to retryable, per spec §6's Handler interface
// contract.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rc retryClassifier
	if errors.As(err, &rc) {
		return rc.IsRetryable()
	}
	return true
}
