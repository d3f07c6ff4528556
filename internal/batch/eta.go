package batch

import "time"

// EstimateETA estimates the remaining runtime of a batch. Before any child
// has completed the estimate is remaining-count times the configured default
// job duration; after that it refines to the mean observed duration padded
// by the safety factor. The second return value is false when there is
// nothing left to estimate.
func EstimateETA(snap Snapshot, completedDurations []time.Duration, tuning Tuning) (time.Duration, bool) {
	remaining := snap.Remaining()
	if remaining == 0 {
		return 0, false
	}

	if len(completedDurations) == 0 {
		return time.Duration(remaining) * tuning.DefaultJobDuration, true
	}

	var total time.Duration
	for _, d := range completedDurations {
		total += d
	}
	mean := total / time.Duration(len(completedDurations))

	padded := time.Duration(float64(mean) * tuning.ETASafetyFactor)
	return padded * time.Duration(remaining), true
}
