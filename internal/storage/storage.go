package storage

import (
	"context"
	"time"

	"github.com/proteinops/batchflow/internal/batch"
)

// StatusPatch carries the fields that change alongside a status transition.
// Nil map / empty string fields are left untouched.
type StatusPatch struct {
	Output        map[string]any
	Error         string
	CorrelationID string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// BatchFilter selects top-level jobs (batch parents and individual jobs)
// for listing.
type BatchFilter struct {
	UserID   string
	Status   string
	PageSize int
	Cursor   *BatchCursor
}

// BatchCursor points just past the last row of the previous page. Listing is
// newest-first, keyed on (created_at, job_id) for a stable order.
type BatchCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Store is the job document store. Implementations must make UpdateStatus a
// per-record compare-and-set: the write only happens if the job's current
// status is a legal source for the target status, so concurrent owners
// cannot clobber each other's transitions.
type Store interface {
	Put(ctx context.Context, job *batch.Job) error
	Get(ctx context.Context, jobID string) (*batch.Job, error)
	// Children returns a batch's child jobs ordered by batch index.
	Children(ctx context.Context, parentID string) ([]*batch.Job, error)
	// ListByStatus returns jobs of the given kind in the given status,
	// used by the poll sweep to find running children.
	ListByStatus(ctx context.Context, kind, status string) ([]*batch.Job, error)
	// ListBatches returns up to PageSize+1 non-child jobs matching the
	// filter, newest first; the extra row tells the caller another page
	// exists.
	ListBatches(ctx context.Context, filter BatchFilter) ([]*batch.Job, error)
	// FindByIdempotencyKey returns the user's job created under the given
	// key, or NotFoundError if the key has never been used.
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*batch.Job, error)
	// UpdateStatus transitions a job and applies the patch atomically. It
	// returns NotFoundError for unknown ids and ConflictError when the
	// current status does not permit the transition.
	UpdateStatus(ctx context.Context, jobID, newStatus string, patch StatusPatch) (*batch.Job, error)
}
