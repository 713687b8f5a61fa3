package harvest

import (
	"errors"
	"fmt"
)

// FailureClass partitions fetch failures for scheduling decisions.
type FailureClass string

// Failure classes. Transient failures are retried with a penalty delay,
// auth failures withdraw the agent from rotation, and blocks put the agent
// into cooldown. A timeout is always transient, never a block.
const (
	FailureTransient FailureClass = "transient"
	FailureAuth      FailureClass = "auth"
	FailureBlocked   FailureClass = "blocked"
)

// Sentinel errors shared across packages.
var (
	// ErrQueueClosed is returned by queue operations after Close.
	ErrQueueClosed = errors.New("work queue closed")
	// ErrNoCredentials aborts pool startup when the identity pool is empty.
	ErrNoCredentials = errors.New("no credentials supplied")
)

// FetchError is a classified failure from the Fetcher.
type FetchError struct {
	Class  FailureClass
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Class, e.Reason, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.Class, e.Reason)
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error { return e.Err }

// NewTransientError wraps a retryable failure (timeout, navigation).
func NewTransientError(reason string, err error) *FetchError {
	return &FetchError{Class: FailureTransient, Reason: reason, Err: err}
}

// NewAuthError wraps a login failure; terminal for the agent's identity.
func NewAuthError(reason string, err error) *FetchError {
	return &FetchError{Class: FailureAuth, Reason: reason, Err: err}
}

// NewBlockedError wraps a block/abuse-detection signal.
func NewBlockedError(reason string) *FetchError {
	return &FetchError{Class: FailureBlocked, Reason: reason}
}

// ClassifyError maps any error onto a failure class. Unknown errors are
// treated as transient so the target stays eligible for redelivery.
func ClassifyError(err error) FailureClass {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	return FailureTransient
}
