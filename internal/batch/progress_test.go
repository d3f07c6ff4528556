package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeBatch(t *testing.T, statuses []string) (*Job, []*Job) {
	t.Helper()

	params := make([]map[string]any, len(statuses))
	for i := range statuses {
		params[i] = map[string]any{"ligand_id": "L"}
	}
	parent, children := NewBatch("test", "protein_ligand_binding", "affinity-v2", params)

	for i, status := range statuses {
		switch status {
		case StatusPending:
		case StatusRunning:
			require.NoError(t, Transition(children[i], StatusRunning, nil, ""))
		case StatusCompleted:
			require.NoError(t, Transition(children[i], StatusRunning, nil, ""))
			require.NoError(t, Transition(children[i], StatusCompleted, nil, ""))
		case StatusFailed:
			require.NoError(t, Transition(children[i], StatusRunning, nil, ""))
			require.NoError(t, Transition(children[i], StatusFailed, nil, "boom"))
		case StatusCancelled:
			require.NoError(t, Transition(children[i], StatusCancelled, nil, ""))
		}
	}

	return parent, children
}

func TestComputeProgress(t *testing.T) {
	tests := []struct {
		name            string
		statuses        []string
		wantPercent     float64
		wantSuccessRate float64
	}{
		{
			name:            "all pending",
			statuses:        []string{StatusPending, StatusPending},
			wantPercent:     0,
			wantSuccessRate: 0,
		},
		{
			name:            "half done",
			statuses:        []string{StatusCompleted, StatusCompleted, StatusRunning, StatusPending},
			wantPercent:     50,
			wantSuccessRate: 100,
		},
		{
			name:            "one of four failed",
			statuses:        []string{StatusCompleted, StatusCompleted, StatusCompleted, StatusFailed},
			wantPercent:     100,
			wantSuccessRate: 75,
		},
		{
			name:            "all failed",
			statuses:        []string{StatusFailed, StatusFailed},
			wantPercent:     100,
			wantSuccessRate: 0,
		},
		{
			name:            "cancelled counts as terminal but not as failure for success rate",
			statuses:        []string{StatusCompleted, StatusCancelled},
			wantPercent:     100,
			wantSuccessRate: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent, children := makeBatch(t, tt.statuses)
			snap := ComputeProgress(parent, children)

			assert.Equal(t, parent.JobID, snap.BatchID)
			assert.Equal(t, len(tt.statuses), snap.Total)
			assert.InDelta(t, tt.wantPercent, snap.Percent, 0.001)
			assert.InDelta(t, tt.wantSuccessRate, snap.SuccessRate, 0.001)

			// Conservation: status counts always sum to the total.
			sum := snap.Pending + snap.Running + snap.Completed + snap.Failed + snap.Cancelled
			assert.Equal(t, snap.Total, sum)
		})
	}
}

func TestComputeProgress_MonotoneOverLifecycle(t *testing.T) {
	parent, children := makeBatch(t, []string{StatusPending, StatusPending, StatusPending, StatusPending})

	var last float64
	advance := func() {
		snap := ComputeProgress(parent, children)
		assert.GreaterOrEqual(t, snap.Percent, last)
		last = snap.Percent
	}

	advance()
	for _, child := range children {
		require.NoError(t, Transition(child, StatusRunning, nil, ""))
		advance()
	}
	// Finish out of index order; counts are commutative so progress still
	// only moves forward.
	for _, i := range []int{2, 0, 3, 1} {
		require.NoError(t, Transition(children[i], StatusCompleted, nil, ""))
		advance()
	}
	assert.Equal(t, float64(100), last)
}

func TestCompletedDurations(t *testing.T) {
	_, children := makeBatch(t, []string{StatusCompleted, StatusRunning, StatusFailed})

	start := time.Now().Add(-10 * time.Second)
	end := start.Add(4 * time.Second)
	children[0].StartedAt = &start
	children[0].CompletedAt = &end

	durations := CompletedDurations(children)
	require.Len(t, durations, 1)
	assert.Equal(t, 4*time.Second, durations[0])
}
