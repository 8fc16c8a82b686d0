package batch

import (
	"errors"
	"fmt"
)

// SubmitErrorKind splits submission failures into the two classes the tracker
// handles differently.
type SubmitErrorKind int

const (
	// Transient means the scheduler was temporarily unable to accept the
	// submission (socket timeout, queue full). Eligible for bounded retry
	// with backoff.
	Transient SubmitErrorKind = iota
	// Rejected means the request itself is invalid (bad partition, malformed
	// directives). Never retried; the task fails permanently.
	Rejected
)

func (k SubmitErrorKind) String() string {
	if k == Rejected {
		return "rejected"
	}
	return "transient"
}

// SubmitError wraps a failed submission with its retry classification.
type SubmitError struct {
	Kind SubmitErrorKind
	Err  error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submission %s: %v", e.Kind, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a retryable submission failure.
func NewTransientError(err error) *SubmitError {
	return &SubmitError{Kind: Transient, Err: err}
}

// NewRejectedError wraps err as a permanent submission failure.
func NewRejectedError(err error) *SubmitError {
	return &SubmitError{Kind: Rejected, Err: err}
}

// IsTransient reports whether err is a transient submission error. Errors
// that are not SubmitErrors at all are treated as transient: the safe default
// for an unclassified scheduler hiccup is a bounded retry, not a permanent
// task failure.
func IsTransient(err error) bool {
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Kind == Transient
	}
	return true
}

// IsRejected reports whether err is a permanent submission rejection.
func IsRejected(err error) bool {
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Kind == Rejected
	}
	return false
}
