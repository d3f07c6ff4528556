package planner

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/proteinops/batchflow/internal/batch"
)

// Scheduling strategies, chosen by ligand count.
const (
	StrategyImmediate = "immediate"
	StrategyPaced     = "paced"
	StrategyStaged    = "staged"
)

// Ligand identifies one compound to score against the protein.
type Ligand struct {
	ID     string `json:"id"`
	SMILES string `json:"smiles,omitempty"`
}

// Request is a batch prediction request as received from the API layer.
type Request struct {
	Name            string
	UserID          string
	ProteinSequence string
	Ligands         []Ligand
	TaskType        string
	ModelName       string
}

// ExecutionPlan is the ephemeral scheduling artifact consumed once by the
// submission pacer.
type ExecutionPlan struct {
	TotalJobs          int
	Strategy           string
	ConcurrencyCeiling int

	// MicroBatchSize and UnitDelay pace dispatch inside a stage (or across
	// the whole batch for the paced strategy).
	MicroBatchSize int
	UnitDelay      time.Duration
	// StageSize and StageDelay apply to the staged strategy only.
	StageSize  int
	StageDelay time.Duration

	EstimatedDuration time.Duration
	Risk              string
	Recommendations   []string
}

// Config bounds the planner's strategy selection and estimates.
type Config struct {
	MaxLigands        int
	MaxConcurrentJobs int
	BasePerJob        time.Duration

	ImmediateLimit int
	PacedLimit     int
	MicroBatchSize int
	UnitDelay      time.Duration
	StageSize      int
	StageDelay     time.Duration

	// ReferenceProteinLength scales the per-job duration estimate for long
	// sequences.
	ReferenceProteinLength int
	MinProteinResidues     int
}

// DefaultConfig returns the production planner bounds.
func DefaultConfig() Config {
	return Config{
		MaxLigands:             1500,
		MaxConcurrentJobs:      10,
		BasePerJob:             5 * time.Minute,
		ImmediateLimit:         5,
		PacedLimit:             50,
		MicroBatchSize:         5,
		UnitDelay:              2 * time.Second,
		StageSize:              25,
		StageDelay:             15 * time.Second,
		ReferenceProteinLength: 500,
		MinProteinResidues:     10,
	}
}

// Planner turns a batch request into an execution plan.
type Planner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a planner.
func New(cfg Config, logger *slog.Logger) *Planner {
	return &Planner{cfg: cfg, logger: logger}
}

// Plan validates the request and selects a scheduling strategy. Validation
// fails fast: the first violation wins and no jobs are created.
func (p *Planner) Plan(req Request) (*ExecutionPlan, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}

	n := len(req.Ligands)
	plan := &ExecutionPlan{
		TotalJobs:          n,
		ConcurrencyCeiling: minInt(p.cfg.MaxConcurrentJobs, n),
		MicroBatchSize:     p.cfg.MicroBatchSize,
		UnitDelay:          p.cfg.UnitDelay,
	}

	switch {
	case n <= p.cfg.ImmediateLimit:
		plan.Strategy = StrategyImmediate
		plan.MicroBatchSize = n
		plan.UnitDelay = 0
		plan.Risk = "low"
	case n <= p.cfg.PacedLimit:
		plan.Strategy = StrategyPaced
		plan.Risk = "low"
	default:
		plan.Strategy = StrategyStaged
		plan.StageSize = p.cfg.StageSize
		plan.StageDelay = p.cfg.StageDelay
		plan.Risk = "moderate"
	}

	plan.EstimatedDuration = p.estimateDuration(len(req.ProteinSequence), n, plan.ConcurrencyCeiling)
	plan.Recommendations = p.recommend(req, plan)

	p.logger.Info("Execution plan computed",
		slog.Int("total_jobs", n),
		slog.String("strategy", plan.Strategy),
		slog.Int("concurrency_ceiling", plan.ConcurrencyCeiling),
		slog.Duration("estimated_duration", plan.EstimatedDuration),
	)

	return plan, nil
}

func (p *Planner) validate(req Request) error {
	if req.Name == "" {
		return &batch.ValidationError{Field: "name", Reason: "job name must not be empty"}
	}
	if len(req.ProteinSequence) < p.cfg.MinProteinResidues {
		return &batch.ValidationError{
			Field:  "protein_sequence",
			Reason: fmt.Sprintf("sequence must have at least %d residues", p.cfg.MinProteinResidues),
		}
	}
	if len(req.Ligands) == 0 {
		return &batch.ValidationError{Field: "ligands", Reason: "at least one ligand is required"}
	}
	for i, lig := range req.Ligands {
		if lig.ID == "" {
			return &batch.ValidationError{
				Field:  "ligands",
				Reason: fmt.Sprintf("ligand at index %d has an empty identifier", i),
			}
		}
	}
	if len(req.Ligands) > p.cfg.MaxLigands {
		return &batch.ValidationError{
			Field:  "ligands",
			Reason: fmt.Sprintf("ligand count %d exceeds maximum %d", len(req.Ligands), p.cfg.MaxLigands),
		}
	}
	return nil
}

// estimateDuration applies base_per_job * max(1, protein_length/reference)
// * ligands / ceiling, rounded up to a whole second.
func (p *Planner) estimateDuration(proteinLength, ligands, ceiling int) time.Duration {
	lengthFactor := math.Max(1, float64(proteinLength)/float64(p.cfg.ReferenceProteinLength))
	seconds := p.cfg.BasePerJob.Seconds() * lengthFactor * float64(ligands) / float64(ceiling)
	return time.Duration(math.Ceil(seconds)) * time.Second
}

func (p *Planner) recommend(req Request, plan *ExecutionPlan) []string {
	var recs []string
	n := len(req.Ligands)

	if n > p.cfg.MaxLigands*3/4 {
		recs = append(recs, fmt.Sprintf("batch size %d is close to the limit of %d; consider splitting into smaller batches", n, p.cfg.MaxLigands))
	}
	if len(req.ProteinSequence) > 2*p.cfg.ReferenceProteinLength {
		recs = append(recs, "long protein sequences increase per-job runtime; expect the estimate to be optimistic")
	}
	if plan.Strategy == StrategyStaged {
		recs = append(recs, fmt.Sprintf("submission will proceed in stages of %d jobs with %s between stages", plan.StageSize, plan.StageDelay))
	}

	return recs
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
