package batch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBatchNotFound is returned when a batch or job id cannot be resolved
	ErrBatchNotFound = errors.New("batch not found")
)

// ValidationError rejects a malformed request before any job is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NotFoundError is returned when an unknown job or batch id is queried.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// ConflictError is returned when an illegal state transition is attempted,
// e.g. completing an already-terminal job.
type ConflictError struct {
	JobID string
	From  string
	To    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("illegal transition for job %s: %s -> %s", e.JobID, e.From, e.To)
}

// DispatchError wraps a compute-backend failure. Transient errors are
// retried by the pacer; permanent ones fail the job immediately.
type DispatchError struct {
	JobID     string
	Attempts  int
	Transient bool
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed for job %s after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// RateLimitError is a flow-control signal, not a failure: the caller should
// back off for RetryAfter and try again.
type RateLimitError struct {
	Subject    string
	Class      string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s on %s (limit %d, retry after %s)",
		e.Subject, e.Class, e.Limit, e.RetryAfter)
}
