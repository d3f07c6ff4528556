package planner

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/proteinops/batchflow/internal/batch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlanner() *Planner {
	return New(DefaultConfig(), slog.Default())
}

func makeLigands(n int) []Ligand {
	ligands := make([]Ligand, n)
	for i := range ligands {
		ligands[i] = Ligand{ID: fmt.Sprintf("LIG-%04d", i)}
	}
	return ligands
}

func validRequest(n int) Request {
	return Request{
		Name:            "kinase screen",
		UserID:          "user-1",
		ProteinSequence: "MKTAYIAKQRQISFVKSHFSRQLEERLGLIEVQ",
		Ligands:         makeLigands(n),
		TaskType:        "protein_ligand_binding",
		ModelName:       "affinity-v2",
	}
}

func TestPlan_ValidationOrder(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Request)
		wantField string
	}{
		{
			name:      "empty name",
			mutate:    func(r *Request) { r.Name = "" },
			wantField: "name",
		},
		{
			name:      "protein too short",
			mutate:    func(r *Request) { r.ProteinSequence = "MKTAYIA" },
			wantField: "protein_sequence",
		},
		{
			name:      "no ligands",
			mutate:    func(r *Request) { r.Ligands = nil },
			wantField: "ligands",
		},
		{
			name:      "ligand with empty identifier",
			mutate:    func(r *Request) { r.Ligands[1].ID = "" },
			wantField: "ligands",
		},
		{
			name:      "too many ligands",
			mutate:    func(r *Request) { r.Ligands = makeLigands(1501) },
			wantField: "ligands",
		},
		{
			name: "name violation wins over protein violation",
			mutate: func(r *Request) {
				r.Name = ""
				r.ProteinSequence = "X"
			},
			wantField: "name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest(3)
			tt.mutate(&req)

			plan, err := testPlanner().Plan(req)
			require.Error(t, err)
			assert.Nil(t, plan)

			var verr *batch.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestPlan_StrategySelection(t *testing.T) {
	tests := []struct {
		name         string
		ligands      int
		wantStrategy string
		wantCeiling  int
	}{
		{name: "single ligand", ligands: 1, wantStrategy: StrategyImmediate, wantCeiling: 1},
		{name: "boundary of immediate", ligands: 5, wantStrategy: StrategyImmediate, wantCeiling: 5},
		{name: "small batch is paced", ligands: 6, wantStrategy: StrategyPaced, wantCeiling: 6},
		{name: "boundary of paced", ligands: 50, wantStrategy: StrategyPaced, wantCeiling: 10},
		{name: "large batch is staged", ligands: 51, wantStrategy: StrategyStaged, wantCeiling: 10},
		{name: "scenario C: 120 ligands", ligands: 120, wantStrategy: StrategyStaged, wantCeiling: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := testPlanner().Plan(validRequest(tt.ligands))
			require.NoError(t, err)

			assert.Equal(t, tt.wantStrategy, plan.Strategy)
			assert.Equal(t, tt.wantCeiling, plan.ConcurrencyCeiling)
			assert.Equal(t, tt.ligands, plan.TotalJobs)

			if tt.wantStrategy == StrategyStaged {
				assert.Positive(t, plan.StageSize)
				assert.Positive(t, plan.StageDelay)
			}
		})
	}
}

func TestPlan_DurationEstimate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BasePerJob = 100 * time.Second
	cfg.MaxConcurrentJobs = 4
	p := New(cfg, slog.Default())

	t.Run("short protein uses factor 1", func(t *testing.T) {
		req := validRequest(8)
		plan, err := p.Plan(req)
		require.NoError(t, err)
		// 100s * 1 * 8 / 4 = 200s
		assert.Equal(t, 200*time.Second, plan.EstimatedDuration)
	})

	t.Run("long protein scales the estimate", func(t *testing.T) {
		req := validRequest(8)
		seq := make([]byte, 1000)
		for i := range seq {
			seq[i] = 'A'
		}
		req.ProteinSequence = string(seq)

		plan, err := p.Plan(req)
		require.NoError(t, err)
		// 100s * (1000/500) * 8 / 4 = 400s
		assert.Equal(t, 400*time.Second, plan.EstimatedDuration)
	})
}

func TestPlan_Recommendations(t *testing.T) {
	plan, err := testPlanner().Plan(validRequest(1400))
	require.NoError(t, err)

	require.NotEmpty(t, plan.Recommendations)
	assert.Contains(t, plan.Recommendations[0], "close to the limit")
}
