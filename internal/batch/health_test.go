package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func snapOf(total, pending, running, completed, failed, cancelled int) Snapshot {
	return Snapshot{
		Total:     total,
		Pending:   pending,
		Running:   running,
		Completed: completed,
		Failed:    failed,
		Cancelled: cancelled,
	}
}

func TestAssessHealth(t *testing.T) {
	tuning := DefaultTuning()

	tests := []struct {
		name string
		snap Snapshot
		want string
	}{
		{name: "empty batch", snap: snapOf(0, 0, 0, 0, 0, 0), want: HealthUnknown},
		{name: "nothing finished yet", snap: snapOf(10, 5, 5, 0, 0, 0), want: HealthUnknown},
		{name: "finished clean", snap: snapOf(100, 0, 0, 100, 0, 0), want: HealthExcellent},
		{name: "finished with acceptable failures", snap: snapOf(100, 0, 0, 92, 8, 0), want: HealthHealthy},
		{name: "finished with moderate failures", snap: snapOf(100, 0, 0, 80, 20, 0), want: HealthConcerning},
		{name: "finished badly", snap: snapOf(100, 0, 0, 60, 40, 0), want: HealthUnhealthy},
		{name: "essentially complete grades on final numbers", snap: snapOf(100, 0, 4, 60, 36, 0), want: HealthUnhealthy},
		{name: "in flight, low failure rate", snap: snapOf(100, 50, 20, 28, 2, 0), want: HealthHealthy},
		{name: "in flight early, mid failure rate is tolerated", snap: snapOf(100, 70, 20, 8, 2, 0), want: HealthHealthy},
		{name: "in flight late, mid failure rate is concerning", snap: snapOf(100, 10, 20, 56, 14, 0), want: HealthConcerning},
		{name: "in flight, high failure rate is concerning not unhealthy", snap: snapOf(100, 40, 20, 20, 20, 0), want: HealthConcerning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AssessHealth(tt.snap, tuning))
		})
	}
}

func TestAssessHealth_CustomTuning(t *testing.T) {
	// A stricter deployment can tighten the failure thresholds.
	tuning := DefaultTuning()
	tuning.HealthyFailureRate = 0.01
	tuning.UnhealthyFailureRate = 0.05

	snap := snapOf(100, 0, 0, 92, 8, 0)
	assert.Equal(t, HealthUnhealthy, AssessHealth(snap, tuning))
}

func TestEstimateETA(t *testing.T) {
	tuning := DefaultTuning()

	t.Run("finished batch has no ETA", func(t *testing.T) {
		_, ok := EstimateETA(snapOf(4, 0, 0, 4, 0, 0), nil, tuning)
		assert.False(t, ok)
	})

	t.Run("no samples uses default duration", func(t *testing.T) {
		eta, ok := EstimateETA(snapOf(10, 6, 4, 0, 0, 0), nil, tuning)
		assert.True(t, ok)
		assert.Equal(t, 10*tuning.DefaultJobDuration, eta)
	})

	t.Run("samples drive estimate with safety factor", func(t *testing.T) {
		snap := snapOf(10, 0, 5, 5, 0, 0)
		samples := []time.Duration{
			90 * time.Second,
			110 * time.Second,
			100 * time.Second,
		}

		eta, ok := EstimateETA(snap, samples, tuning)
		assert.True(t, ok)
		// mean 100s * 1.2 * 5 remaining = 600s
		assert.Equal(t, 600*time.Second, eta)
	})

	t.Run("estimate refines as samples arrive", func(t *testing.T) {
		snap := snapOf(10, 0, 9, 1, 0, 0)
		coarse, _ := EstimateETA(snap, nil, tuning)
		refined, _ := EstimateETA(snap, []time.Duration{30 * time.Second}, tuning)
		assert.Less(t, refined, coarse)
	})
}
