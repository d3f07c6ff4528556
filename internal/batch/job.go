package batch

import (
	"time"

	"github.com/google/uuid"
)

// Job kind constants
const (
	KindIndividual  = "INDIVIDUAL"
	KindBatchParent = "BATCH_PARENT"
	KindBatchChild  = "BATCH_CHILD"
)

// Job status constants
const (
	StatusPending            = "PENDING"
	StatusRunning            = "RUNNING"
	StatusCompleted          = "COMPLETED"
	StatusFailed             = "FAILED"
	StatusCancelled          = "CANCELLED"
	StatusPartiallyCompleted = "PARTIALLY_COMPLETED"
)

// Job is the atomic unit of work. An Individual job stands alone, a
// BatchParent groups BatchChild jobs that were submitted together.
type Job struct {
	JobID          string
	Name           string
	Kind           string
	TaskType       string
	ModelName      string
	Status         string
	UserID         string
	IdempotencyKey string

	// Params is the opaque prediction input. Output stays nil until the
	// job completes; Error is set only on failure.
	Params map[string]any
	Output map[string]any
	Error  string

	// CorrelationID is the compute backend's handle for a dispatched job.
	CorrelationID string

	// Batch linkage. ParentID and BatchIndex are set on BatchChild jobs;
	// ChildIDs and TotalChildren on BatchParent jobs.
	ParentID      string
	BatchIndex    int
	ChildIDs      []string
	TotalChildren int

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// New creates a job in PENDING status with a fresh UUID.
func New(kind, taskType string, params map[string]any) *Job {
	now := time.Now()
	return &Job{
		JobID:     uuid.New().String(),
		Kind:      kind,
		TaskType:  taskType,
		Status:    StatusPending,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewBatch creates a BatchParent and one BatchChild per ligand params map.
// Child IDs are generated up front so the parent's child-id set is complete
// at creation time and never needs to grow afterwards.
func NewBatch(name, taskType, modelName string, childParams []map[string]any) (*Job, []*Job) {
	parent := New(KindBatchParent, taskType, nil)
	parent.Name = name
	parent.ModelName = modelName
	parent.TotalChildren = len(childParams)
	parent.ChildIDs = make([]string, 0, len(childParams))

	children := make([]*Job, 0, len(childParams))
	for i, params := range childParams {
		child := New(KindBatchChild, taskType, params)
		child.Name = name
		child.ModelName = modelName
		child.ParentID = parent.JobID
		child.BatchIndex = i
		parent.ChildIDs = append(parent.ChildIDs, child.JobID)
		children = append(children, child)
	}

	return parent, children
}

// IsTerminal reports whether a status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusPartiallyCompleted:
		return true
	}
	return false
}

// legalTransitions maps a target status to the statuses it may be reached
// from. PENDING -> FAILED covers dispatch failures that exhaust retries
// before the job ever reached the backend. PARTIALLY_COMPLETED applies to
// batch parents only.
var legalTransitions = map[string][]string{
	StatusRunning:            {StatusPending},
	StatusCompleted:          {StatusRunning},
	StatusFailed:             {StatusPending, StatusRunning},
	StatusCancelled:          {StatusPending, StatusRunning},
	StatusPartiallyCompleted: {StatusRunning},
}

// LegalSources returns the statuses from which a transition to the given
// status is allowed.
func LegalSources(to string) []string {
	return legalTransitions[to]
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to string) bool {
	for _, s := range legalTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Transition moves a job to a new status in place, stamping the lifecycle
// timestamps. Returns a ConflictError for an illegal transition.
func Transition(job *Job, to string, output map[string]any, errMsg string) error {
	if !CanTransition(job.Status, to) {
		return &ConflictError{JobID: job.JobID, From: job.Status, To: to}
	}

	now := time.Now()
	job.Status = to
	job.UpdatedAt = now

	switch to {
	case StatusRunning:
		job.StartedAt = &now
	case StatusCompleted:
		job.Output = output
		job.CompletedAt = &now
	case StatusFailed:
		job.Error = errMsg
		job.CompletedAt = &now
	case StatusCancelled, StatusPartiallyCompleted:
		job.CompletedAt = &now
	}

	return nil
}
