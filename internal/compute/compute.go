// Package compute wraps the external GPU prediction backend. The backend
// owns its payload schema; this package treats it as an untyped RPC surface
// with dispatch, cancel and poll operations.
package compute

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Backend job states as reported by poll.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// DispatchRequest is the payload for one unit of work.
type DispatchRequest struct {
	JobID     string         `json:"job_id"`
	TaskType  string         `json:"task_type"`
	ModelName string         `json:"model_name"`
	Params    map[string]any `json:"params"`
}

// JobState is the backend's view of a dispatched job.
type JobState struct {
	CorrelationID string         `json:"correlation_id"`
	State         string         `json:"state"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Backend is the compute collaborator consumed by the pacer and tracker.
type Backend interface {
	// Dispatch submits a job and returns the backend's correlation id.
	Dispatch(ctx context.Context, req DispatchRequest) (string, error)
	// Cancel requests best-effort cancellation of a dispatched job.
	Cancel(ctx context.Context, correlationID string) (bool, error)
	// PollStatus fetches the current state of a dispatched job.
	PollStatus(ctx context.Context, correlationID string) (JobState, error)
}

// BackendError is a non-2xx response from the backend.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("compute backend returned %d: %s", e.StatusCode, e.Message)
}

// IsTransient reports whether an error is worth retrying: timeouts,
// connection problems, and 5xx / 429 responses. Context cancellation and
// 4xx rejections are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		return backendErr.StatusCode >= 500 || backendErr.StatusCode == 429
	}

	return false
}
