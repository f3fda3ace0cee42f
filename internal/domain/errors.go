package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a write would break the job state graph or an invariant
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrPrecondition is returned when an operation is invoked on a job in the wrong state
	ErrPrecondition = errors.New("job precondition not met")

	// ErrConflict is returned when an optimistic update lost against a concurrent writer too many times
	ErrConflict = errors.New("concurrent update conflict")

	// ErrLeaseHeld is returned when another execution already holds the job's lease
	ErrLeaseHeld = errors.New("job lease held by another execution")

	// ErrDuplicateDispatch is returned when an execution for the job is already active
	ErrDuplicateDispatch = errors.New("execution already active for job")

	// ErrRetryNotAllowed is returned when a retry is requested for a job that is neither failed nor stale
	ErrRetryNotAllowed = errors.New("retry not allowed while job is active")

	// ErrNotReviewable is returned when a review is requested for a job that is not awaiting review
	ErrNotReviewable = errors.New("job is not awaiting review")

	// ErrNotCompleted is returned when a completed-only action is requested early
	ErrNotCompleted = errors.New("job is not completed")

	// ErrInvalidMessage is returned when a dispatch message cannot be decoded
	ErrInvalidMessage = errors.New("invalid dispatch message")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// SegmentProblem describes why one submitted segment was rejected.
type SegmentProblem struct {
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError is returned when review input fails validation.
type ValidationError struct {
	Problems []SegmentProblem
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "invalid segments"
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.Index < 0 {
			parts = append(parts, p.Reason)
			continue
		}
		parts = append(parts, fmt.Sprintf("segment %d %s: %s", p.Index, p.Field, p.Reason))
	}
	return "invalid segments: " + strings.Join(parts, "; ")
}
