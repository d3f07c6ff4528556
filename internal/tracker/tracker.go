package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/proteinops/batchflow/internal/batch"
	"github.com/proteinops/batchflow/internal/compute"
	"github.com/proteinops/batchflow/internal/events"
	"github.com/proteinops/batchflow/internal/metrics"
	"github.com/proteinops/batchflow/internal/storage"
)

// milestoneThresholds are the progress percentages that fire a one-time
// event per batch.
var milestoneThresholds = []int{25, 50, 75, 100}

// firedStateRetention is how long a finalized batch's milestone state is
// kept around so refreshes still in flight cannot re-fire thresholds.
const firedStateRetention = time.Minute

// Config holds tracker settings.
type Config struct {
	// CacheTTL bounds how long a progress snapshot may be served without
	// recomputing. Completion events invalidate eagerly.
	CacheTTL time.Duration
	Tuning   batch.Tuning
}

// DefaultConfig returns the production tracker settings.
func DefaultConfig() Config {
	return Config{
		CacheTTL: 30 * time.Second,
		Tuning:   batch.DefaultTuning(),
	}
}

// Tracker consumes completion notifications, maintains batch progress, and
// finalizes batches when they reach 100%. It owns every RUNNING -> terminal
// transition of child jobs.
type Tracker struct {
	store     storage.Store
	backend   compute.Backend
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger

	cache *snapshotCache

	// milestone state is tracked per batch so each threshold fires at most
	// once; finalize tombstones the entry and reaps it after
	// firedStateRetention.
	mu    sync.Mutex
	fired map[string]map[int]bool
}

// New creates a tracker.
func New(store storage.Store, backend compute.Backend, publisher events.Publisher, cfg Config, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:     store,
		backend:   backend,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		cache:     newSnapshotCache(cfg.CacheTTL),
		fired:     make(map[string]map[int]bool),
	}
}

// HandleCompletion applies one child-completion event. Duplicate events and
// events for already-cancelled jobs are ignored without error; completion
// order across a batch is arbitrary.
func (t *Tracker) HandleCompletion(ctx context.Context, jobID, status string, output map[string]any, errMsg string) error {
	if status != batch.StatusCompleted && status != batch.StatusFailed {
		return fmt.Errorf("completion events must be terminal, got %q", status)
	}

	now := time.Now()
	updated, err := t.store.UpdateStatus(ctx, jobID, status, storage.StatusPatch{
		Output:      output,
		Error:       errMsg,
		CompletedAt: &now,
	})
	if err != nil {
		var conflict *batch.ConflictError
		if errors.As(err, &conflict) && batch.IsTerminal(conflict.From) {
			// Duplicate delivery, or the batch was cancelled while the
			// job was in flight.
			metrics.DuplicateCompletionsTotal.Inc()
			t.logger.Debug("Ignoring completion for terminal job",
				slog.String("job_id", jobID),
				slog.String("current_status", conflict.From),
				slog.String("event_status", status),
			)
			return nil
		}
		return fmt.Errorf("failed to apply completion: %w", err)
	}

	t.logger.Info("Job completion recorded",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)

	if updated.Kind != batch.KindBatchChild {
		return nil
	}

	return t.refreshBatch(ctx, updated.ParentID)
}

// refreshBatch recomputes a batch's progress after a child event, fires any
// newly crossed milestones, and finalizes at 100%.
func (t *Tracker) refreshBatch(ctx context.Context, batchID string) error {
	t.cache.invalidate(batchID)

	parent, err := t.store.Get(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load batch parent: %w", err)
	}
	if batch.IsTerminal(parent.Status) {
		// A concurrent handler already finalized this batch; its milestones
		// and finalized event are published.
		return nil
	}
	children, err := t.store.Children(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load batch children: %w", err)
	}

	snap := batch.ComputeProgress(parent, children)
	t.fireMilestones(ctx, batchID, snap)

	if snap.Total > 0 && snap.Terminal() == snap.Total {
		return t.Finalize(ctx, batchID)
	}
	return nil
}

// fireMilestones emits each crossed threshold exactly once per batch, even
// under concurrent or duplicate completion events.
func (t *Tracker) fireMilestones(ctx context.Context, batchID string, snap batch.Snapshot) {
	t.mu.Lock()
	crossed := make([]int, 0, len(milestoneThresholds))
	fired := t.fired[batchID]
	if fired == nil {
		fired = make(map[int]bool)
		t.fired[batchID] = fired
	}
	for _, threshold := range milestoneThresholds {
		if snap.Percent >= float64(threshold) && !fired[threshold] {
			fired[threshold] = true
			crossed = append(crossed, threshold)
		}
	}
	t.mu.Unlock()

	for _, threshold := range crossed {
		metrics.MilestonesTotal.WithLabelValues(strconv.Itoa(threshold)).Inc()
		t.logger.Info("Batch milestone reached",
			slog.String("batch_id", batchID),
			slog.Int("threshold", threshold),
			slog.Float64("percent", snap.Percent),
		)
		event := events.MilestoneReached{
			BatchID:   batchID,
			Threshold: threshold,
			Percent:   snap.Percent,
			At:        time.Now(),
		}
		if err := t.publisher.Publish(ctx, event); err != nil {
			t.logger.Error("Failed to publish milestone event",
				slog.String("batch_id", batchID),
				slog.Int("threshold", threshold),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Finalize marks a fully finished batch terminal, writes its aggregate
// statistics onto the parent, and emits the finalized event. Finalizing an
// already-finalized batch is a no-op.
func (t *Tracker) Finalize(ctx context.Context, batchID string) error {
	parent, err := t.store.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if parent.Kind != batch.KindBatchParent {
		return fmt.Errorf("job %s is not a batch parent", batchID)
	}
	if batch.IsTerminal(parent.Status) {
		return nil
	}

	children, err := t.store.Children(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load batch children: %w", err)
	}
	snap := batch.ComputeProgress(parent, children)
	if snap.Terminal() != snap.Total {
		return fmt.Errorf("batch %s is not finished: %d of %d children terminal",
			batchID, snap.Terminal(), snap.Total)
	}

	finalStatus := classifyFinalStatus(snap)
	stats := map[string]any{
		"total":            snap.Total,
		"completed":        snap.Completed,
		"failed":           snap.Failed,
		"cancelled":        snap.Cancelled,
		"success_rate":     snap.SuccessRate,
		"duration_seconds": time.Since(parent.CreatedAt).Seconds(),
	}

	now := time.Now()
	if _, err := t.store.UpdateStatus(ctx, batchID, finalStatus, storage.StatusPatch{
		Output:      stats,
		CompletedAt: &now,
	}); err != nil {
		var conflict *batch.ConflictError
		if errors.As(err, &conflict) && batch.IsTerminal(conflict.From) {
			// Lost a finalize race; the winner already published.
			return nil
		}
		return fmt.Errorf("failed to finalize batch: %w", err)
	}

	// Tombstone the milestone state rather than releasing it: a refresh
	// that loaded the parent before the CAS above may still be about to
	// fire, and must find every threshold already spent.
	t.mu.Lock()
	fired := t.fired[batchID]
	if fired == nil {
		fired = make(map[int]bool)
		t.fired[batchID] = fired
	}
	for _, threshold := range milestoneThresholds {
		fired[threshold] = true
	}
	t.mu.Unlock()
	time.AfterFunc(firedStateRetention, func() {
		t.mu.Lock()
		delete(t.fired, batchID)
		t.mu.Unlock()
	})
	t.cache.invalidate(batchID)

	metrics.BatchesFinalizedTotal.WithLabelValues(finalStatus).Inc()
	t.logger.Info("Batch finalized",
		slog.String("batch_id", batchID),
		slog.String("status", finalStatus),
		slog.Int("completed", snap.Completed),
		slog.Int("failed", snap.Failed),
		slog.Int("cancelled", snap.Cancelled),
	)

	event := events.BatchFinalized{
		BatchID:     batchID,
		Status:      finalStatus,
		Total:       snap.Total,
		Completed:   snap.Completed,
		Failed:      snap.Failed,
		Cancelled:   snap.Cancelled,
		SuccessRate: snap.SuccessRate,
		At:          now,
	}
	if err := t.publisher.Publish(ctx, event); err != nil {
		t.logger.Error("Failed to publish finalized event",
			slog.String("batch_id", batchID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// classifyFinalStatus grades a finished batch by its final outcome mix.
func classifyFinalStatus(snap batch.Snapshot) string {
	switch {
	case snap.Completed == snap.Total:
		return batch.StatusCompleted
	case snap.Completed == 0 && snap.Cancelled == 0:
		return batch.StatusFailed
	case snap.Completed == 0 && snap.Cancelled == snap.Total:
		return batch.StatusCancelled
	default:
		return batch.StatusPartiallyCompleted
	}
}

// Progress returns the batch's snapshot with health and ETA, served from
// the short-TTL cache when fresh.
func (t *Tracker) Progress(ctx context.Context, batchID string) (batch.Snapshot, error) {
	if snap, ok := t.cache.get(batchID); ok {
		return snap, nil
	}

	parent, err := t.store.Get(ctx, batchID)
	if err != nil {
		return batch.Snapshot{}, err
	}
	if parent.Kind != batch.KindBatchParent {
		return batch.Snapshot{}, fmt.Errorf("job %s is not a batch parent", batchID)
	}
	children, err := t.store.Children(ctx, batchID)
	if err != nil {
		return batch.Snapshot{}, fmt.Errorf("failed to load batch children: %w", err)
	}

	snap := batch.ComputeProgress(parent, children)
	snap.Health = batch.AssessHealth(snap, t.cfg.Tuning)
	snap.ETA, snap.HasETA = batch.EstimateETA(snap, batch.CompletedDurations(children), t.cfg.Tuning)

	t.cache.set(batchID, snap)
	return snap, nil
}

// CancelBatch transitions every non-terminal child to CANCELLED and
// requests best-effort cancellation on the backend for in-flight
// correlation ids. Cancelling an already-terminal batch is a no-op.
// Already-completed children are not rolled back.
func (t *Tracker) CancelBatch(ctx context.Context, batchID string) error {
	parent, err := t.store.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if parent.Kind != batch.KindBatchParent {
		return fmt.Errorf("job %s is not a batch parent", batchID)
	}
	if batch.IsTerminal(parent.Status) {
		return nil
	}

	children, err := t.store.Children(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load batch children: %w", err)
	}

	now := time.Now()
	cancelled := 0
	for _, child := range children {
		if batch.IsTerminal(child.Status) {
			continue
		}
		wasRunning := child.Status == batch.StatusRunning

		if _, err := t.store.UpdateStatus(ctx, child.JobID, batch.StatusCancelled, storage.StatusPatch{
			CompletedAt: &now,
		}); err != nil {
			var conflict *batch.ConflictError
			if errors.As(err, &conflict) && batch.IsTerminal(conflict.From) {
				continue
			}
			return fmt.Errorf("failed to cancel child %s: %w", child.JobID, err)
		}
		cancelled++

		if wasRunning && child.CorrelationID != "" {
			if _, err := t.backend.Cancel(ctx, child.CorrelationID); err != nil {
				t.logger.Warn("Best-effort backend cancel failed",
					slog.String("job_id", child.JobID),
					slog.String("correlation_id", child.CorrelationID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	t.logger.Info("Batch cancelled",
		slog.String("batch_id", batchID),
		slog.Int("children_cancelled", cancelled),
	)

	t.cache.invalidate(batchID)
	return t.refreshBatch(ctx, batchID)
}
