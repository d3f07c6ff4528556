package batch

import "time"

// Snapshot is the derived view of a batch's aggregate state. It is always
// recomputed from the child jobs and never stored as source of truth.
type Snapshot struct {
	BatchID   string
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int

	// Percent is terminal children / total * 100.
	Percent float64
	// SuccessRate is completed / (completed + failed) * 100, or 0 when no
	// child has finished.
	SuccessRate float64

	// ETA is the estimated time until the batch finishes. HasETA is false
	// when the batch is already done or has no children.
	ETA    time.Duration
	HasETA bool

	Health     string
	ComputedAt time.Time
}

// Terminal returns the number of children in a final state.
func (s Snapshot) Terminal() int {
	return s.Completed + s.Failed + s.Cancelled
}

// Remaining returns the number of children still pending or running.
func (s Snapshot) Remaining() int {
	return s.Pending + s.Running
}

// ComputeProgress aggregates child statuses into a snapshot. Counts are
// commutative, so out-of-order completion events cannot skew the result.
func ComputeProgress(parent *Job, children []*Job) Snapshot {
	snap := Snapshot{
		BatchID:    parent.JobID,
		Total:      len(children),
		ComputedAt: time.Now(),
	}

	for _, child := range children {
		switch child.Status {
		case StatusPending:
			snap.Pending++
		case StatusRunning:
			snap.Running++
		case StatusCompleted:
			snap.Completed++
		case StatusFailed:
			snap.Failed++
		case StatusCancelled:
			snap.Cancelled++
		}
	}

	if snap.Total > 0 {
		snap.Percent = float64(snap.Terminal()) / float64(snap.Total) * 100
	}
	if finished := snap.Completed + snap.Failed; finished > 0 {
		snap.SuccessRate = float64(snap.Completed) / float64(finished) * 100
	}

	return snap
}

// CompletedDurations extracts the observed start-to-finish durations of
// successfully completed children, for ETA estimation.
func CompletedDurations(children []*Job) []time.Duration {
	var out []time.Duration
	for _, child := range children {
		if child.Status != StatusCompleted || child.StartedAt == nil || child.CompletedAt == nil {
			continue
		}
		if d := child.CompletedAt.Sub(*child.StartedAt); d > 0 {
			out = append(out, d)
		}
	}
	return out
}
