package pacer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proteinops/batchflow/internal/batch"
	"github.com/proteinops/batchflow/internal/compute"
	"github.com/proteinops/batchflow/internal/metrics"
	"github.com/proteinops/batchflow/internal/planner"
	"github.com/proteinops/batchflow/internal/ratelimit"
	"github.com/proteinops/batchflow/internal/storage"
)

// Config holds dispatch retry and pacing settings.
type Config struct {
	// MaxDispatchAttempts bounds retries of a transient backend failure.
	MaxDispatchAttempts int
	// BaseRetryDelay is the first backoff step; each retry multiplies it.
	BaseRetryDelay    time.Duration
	BackoffMultiplier float64
	// DispatchTimeout applies to every individual backend call.
	DispatchTimeout time.Duration
	// RateLimitAttempts bounds how often a denied token is re-requested
	// before the dispatch unit is failed with a rate-limit error.
	RateLimitAttempts int
	// MaxRateLimitWait caps a single retry-after sleep.
	MaxRateLimitWait time.Duration
}

// DefaultConfig returns the production pacing settings.
func DefaultConfig() Config {
	return Config{
		MaxDispatchAttempts: 3,
		BaseRetryDelay:      2 * time.Second,
		BackoffMultiplier:   2,
		DispatchTimeout:     30 * time.Second,
		RateLimitAttempts:   5,
		MaxRateLimitWait:    time.Minute,
	}
}

// SubmissionResult summarizes a submission run. Submitted + Failed can be
// less than the batch size when the context was cancelled mid-run; the
// remaining children stay PENDING.
type SubmissionResult struct {
	Submitted    int
	Failed       int
	FailedJobIDs []string
}

// Pacer dispatches batch children to the compute backend under the plan's
// concurrency ceiling and the per-user job-submission rate limit. The
// limiter bounds rate; the ceiling bounds concurrency; they are enforced
// independently.
type Pacer struct {
	store   storage.Store
	backend compute.Backend
	limiter *ratelimit.Limiter
	cfg     Config
	logger  *slog.Logger
}

// New creates a pacer.
func New(store storage.Store, backend compute.Backend, limiter *ratelimit.Limiter, cfg Config, logger *slog.Logger) *Pacer {
	return &Pacer{
		store:   store,
		backend: backend,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Submit persists the parent and children, then dispatches the children in
// index order according to the plan's strategy. A dispatch failure after
// exhausting retries fails only that child; siblings are unaffected.
func (p *Pacer) Submit(ctx context.Context, plan *planner.ExecutionPlan, subject, tier string, parent *batch.Job, children []*batch.Job) (SubmissionResult, error) {
	var result SubmissionResult

	if err := p.store.Put(ctx, parent); err != nil {
		return result, fmt.Errorf("failed to persist batch parent: %w", err)
	}
	for _, child := range children {
		if err := p.store.Put(ctx, child); err != nil {
			return result, fmt.Errorf("failed to persist batch child %d: %w", child.BatchIndex, err)
		}
	}

	// The pacer owns the parent's PENDING -> RUNNING transition.
	if _, err := p.store.UpdateStatus(ctx, parent.JobID, batch.StatusRunning, storage.StatusPatch{}); err != nil {
		return result, fmt.Errorf("failed to start batch parent: %w", err)
	}

	p.logger.Info("Starting batch submission",
		slog.String("batch_id", parent.JobID),
		slog.String("strategy", plan.Strategy),
		slog.Int("total_jobs", len(children)),
		slog.Int("concurrency_ceiling", plan.ConcurrencyCeiling),
	)

	sem := make(chan struct{}, plan.ConcurrencyCeiling)
	var mu sync.Mutex
	var wg sync.WaitGroup

	dispatchUnit := func(unit []*batch.Job) {
		for _, child := range unit {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(job *batch.Job) {
				defer wg.Done()
				defer func() { <-sem }()

				submitted, err := p.dispatchWithRetry(ctx, job)
				mu.Lock()
				defer mu.Unlock()
				if submitted {
					result.Submitted++
				} else if err != nil {
					result.Failed++
					result.FailedJobIDs = append(result.FailedJobIDs, job.JobID)
				}
			}(child)
		}
	}

	err := p.walkPlan(ctx, plan, children, func(unit []*batch.Job) error {
		if err := p.acquireSubmissionToken(ctx, subject, tier); err != nil {
			var rle *batch.RateLimitError
			if errors.As(err, &rle) {
				p.failUnit(ctx, unit, err.Error(), &mu, &result)
				return nil
			}
			return err
		}
		dispatchUnit(unit)
		return nil
	})

	wg.Wait()

	p.logger.Info("Batch submission finished",
		slog.String("batch_id", parent.JobID),
		slog.Int("submitted", result.Submitted),
		slog.Int("failed", result.Failed),
	)

	return result, err
}

// walkPlan yields dispatch units in index order with the strategy-specific
// delays between them.
func (p *Pacer) walkPlan(ctx context.Context, plan *planner.ExecutionPlan, children []*batch.Job, emit func([]*batch.Job) error) error {
	stageSize := plan.StageSize
	if plan.Strategy != planner.StrategyStaged {
		stageSize = len(children)
	}
	unitSize := plan.MicroBatchSize
	if unitSize <= 0 {
		unitSize = len(children)
	}

	for stageStart := 0; stageStart < len(children); stageStart += stageSize {
		if stageStart > 0 {
			if err := waitFor(ctx, plan.StageDelay); err != nil {
				return err
			}
		}
		stage := children[stageStart:minInt(stageStart+stageSize, len(children))]

		for unitStart := 0; unitStart < len(stage); unitStart += unitSize {
			if unitStart > 0 {
				if err := waitFor(ctx, plan.UnitDelay); err != nil {
					return err
				}
			}
			unit := stage[unitStart:minInt(unitStart+unitSize, len(stage))]
			if err := emit(unit); err != nil {
				return err
			}
		}
	}
	return nil
}

// acquireSubmissionToken blocks until a job-submission token is granted or
// the bounded retries are exhausted, in which case it returns the final
// RateLimitError.
func (p *Pacer) acquireSubmissionToken(ctx context.Context, subject, tier string) error {
	for attempt := 1; ; attempt++ {
		decision, err := p.limiter.Check(ctx, subject, ratelimit.ClassJobSubmission, tier, 1)
		if err != nil {
			return fmt.Errorf("rate limit check failed: %w", err)
		}
		if decision.Allowed {
			return nil
		}

		metrics.RateLimitDenialsTotal.WithLabelValues(ratelimit.ClassJobSubmission).Inc()
		if attempt >= p.cfg.RateLimitAttempts {
			return &batch.RateLimitError{
				Subject:    subject,
				Class:      ratelimit.ClassJobSubmission,
				Limit:      decision.Limit,
				RetryAfter: decision.RetryAfter,
			}
		}

		wait := decision.RetryAfter
		if wait > p.cfg.MaxRateLimitWait {
			wait = p.cfg.MaxRateLimitWait
		}
		p.logger.Debug("Job-submission token denied, backing off",
			slog.String("subject", subject),
			slog.Duration("retry_after", wait),
			slog.Int("attempt", attempt),
		)
		if err := waitFor(ctx, wait); err != nil {
			return err
		}
	}
}

// dispatchWithRetry performs one child's dispatch with exponential backoff
// on transient failures. It returns whether the child ended up RUNNING.
func (p *Pacer) dispatchWithRetry(ctx context.Context, job *batch.Job) (bool, error) {
	req := compute.DispatchRequest{
		JobID:     job.JobID,
		TaskType:  job.TaskType,
		ModelName: job.ModelName,
		Params:    job.Params,
	}

	delay := p.cfg.BaseRetryDelay
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= p.cfg.MaxDispatchAttempts; attempt++ {
		attempts = attempt
		metrics.InFlightDispatches.Inc()
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.DispatchTimeout)
		correlationID, err := p.backend.Dispatch(callCtx, req)
		cancel()
		metrics.InFlightDispatches.Dec()

		if err == nil {
			metrics.DispatchesTotal.WithLabelValues("success").Inc()
			return p.markRunning(ctx, job, correlationID)
		}

		lastErr = err
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if !compute.IsTransient(err) {
			metrics.DispatchesTotal.WithLabelValues("permanent_error").Inc()
			break
		}

		metrics.DispatchesTotal.WithLabelValues("transient_error").Inc()
		if attempt < p.cfg.MaxDispatchAttempts {
			metrics.DispatchRetriesTotal.Inc()
			p.logger.Warn("Dispatch failed, retrying",
				slog.String("job_id", job.JobID),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.String("error", err.Error()),
			)
			if err := waitFor(ctx, delay); err != nil {
				return false, err
			}
			delay = time.Duration(float64(delay) * p.cfg.BackoffMultiplier)
		}
	}

	dispatchErr := &batch.DispatchError{
		JobID:    job.JobID,
		Attempts: attempts,
		Err:      lastErr,
	}
	p.failJob(ctx, job, dispatchErr.Error())
	return false, dispatchErr
}

// markRunning records the backend correlation id. Losing the CAS here means
// the batch was cancelled while the dispatch was in flight; the backend job
// is cancelled best-effort so it does not burn GPU time.
func (p *Pacer) markRunning(ctx context.Context, job *batch.Job, correlationID string) (bool, error) {
	now := time.Now()
	_, err := p.store.UpdateStatus(ctx, job.JobID, batch.StatusRunning, storage.StatusPatch{
		CorrelationID: correlationID,
		StartedAt:     &now,
	})
	if err == nil {
		return true, nil
	}

	var conflict *batch.ConflictError
	if errors.As(err, &conflict) {
		p.logger.Warn("Job no longer pending after dispatch, cancelling on backend",
			slog.String("job_id", job.JobID),
			slog.String("status", conflict.From),
			slog.String("correlation_id", correlationID),
		)
		if _, cancelErr := p.backend.Cancel(ctx, correlationID); cancelErr != nil {
			p.logger.Warn("Best-effort backend cancel failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", cancelErr.Error()),
			)
		}
		return false, nil
	}
	return false, fmt.Errorf("failed to mark job running: %w", err)
}

func (p *Pacer) failUnit(ctx context.Context, unit []*batch.Job, reason string, mu *sync.Mutex, result *SubmissionResult) {
	for _, job := range unit {
		p.failJob(ctx, job, reason)
		mu.Lock()
		result.Failed++
		result.FailedJobIDs = append(result.FailedJobIDs, job.JobID)
		mu.Unlock()
	}
}

func (p *Pacer) failJob(ctx context.Context, job *batch.Job, reason string) {
	now := time.Now()
	if _, err := p.store.UpdateStatus(ctx, job.JobID, batch.StatusFailed, storage.StatusPatch{
		Error:       reason,
		CompletedAt: &now,
	}); err != nil {
		p.logger.Error("Failed to mark job failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
}

func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
