package batch

import "time"

// Batch health grades
const (
	HealthExcellent  = "EXCELLENT"
	HealthHealthy    = "HEALTHY"
	HealthConcerning = "CONCERNING"
	HealthUnhealthy  = "UNHEALTHY"
	HealthUnknown    = "UNKNOWN"
)

// Tuning holds the empirical grading and estimation constants. The defaults
// come from observed production behavior, not from a derivation, so they are
// configurable rather than hard-coded at use sites.
type Tuning struct {
	// EssentiallyCompleteRatio is the terminal share above which a batch is
	// graded on its final numbers.
	EssentiallyCompleteRatio float64
	// HealthyFailureRate is the failure rate at or below which a batch is
	// healthy.
	HealthyFailureRate float64
	// UnhealthyFailureRate is the failure rate above which a finished batch
	// is unhealthy.
	UnhealthyFailureRate float64
	// ETASafetyFactor pads the mean observed job duration.
	ETASafetyFactor float64
	// DefaultJobDuration is assumed per job before any child has completed.
	DefaultJobDuration time.Duration
}

// DefaultTuning returns the production defaults.
func DefaultTuning() Tuning {
	return Tuning{
		EssentiallyCompleteRatio: 0.95,
		HealthyFailureRate:       0.10,
		UnhealthyFailureRate:     0.30,
		ETASafetyFactor:          1.2,
		DefaultJobDuration:       5 * time.Minute,
	}
}

// AssessHealth grades a batch from its snapshot. A batch that is essentially
// complete is graded strictly on its failure rate; a batch still in flight
// is graded one step more leniently so early failures do not raise false
// alarms.
func AssessHealth(snap Snapshot, tuning Tuning) string {
	terminal := snap.Terminal()
	if snap.Total == 0 || terminal == 0 {
		return HealthUnknown
	}

	failed := snap.Failed + snap.Cancelled
	failureRate := float64(failed) / float64(terminal)
	terminalRatio := float64(terminal) / float64(snap.Total)

	if terminalRatio >= tuning.EssentiallyCompleteRatio {
		switch {
		case failed == 0:
			return HealthExcellent
		case failureRate <= tuning.HealthyFailureRate:
			return HealthHealthy
		case failureRate > tuning.UnhealthyFailureRate:
			return HealthUnhealthy
		default:
			return HealthConcerning
		}
	}

	// In flight: same thresholds, shifted one grade up. A mid-range failure
	// rate only becomes concerning once enough children have finished for
	// the rate to mean something.
	switch {
	case failureRate <= tuning.HealthyFailureRate:
		return HealthHealthy
	case failureRate > tuning.UnhealthyFailureRate:
		return HealthConcerning
	case terminalRatio >= 0.5:
		return HealthConcerning
	default:
		return HealthHealthy
	}
}
