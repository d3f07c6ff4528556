package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/proteinops/batchflow/internal/batch"
	"github.com/proteinops/batchflow/internal/compute"
	"github.com/robfig/cron/v3"
)

// Poller is the pull-mode completion feed: on a fixed schedule it asks the
// compute backend for the state of every running child and feeds terminal
// states through HandleCompletion. Deployments with a push feed can disable
// it entirely.
type Poller struct {
	tracker  *Tracker
	interval time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewPoller creates a poller sweeping at the given interval.
func NewPoller(tracker *Tracker, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		tracker:  tracker,
		interval: interval,
		logger:   logger,
	}
}

// Start schedules the sweep. The returned error only covers schedule
// registration; sweep failures are logged and retried on the next tick.
func (p *Poller) Start(ctx context.Context) error {
	p.cron = cron.New()
	spec := fmt.Sprintf("@every %s", p.interval)
	if _, err := p.cron.AddFunc(spec, func() {
		if err := p.Sweep(ctx); err != nil {
			p.logger.Error("Poll sweep failed",
				slog.String("error", err.Error()),
			)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule poll sweep: %w", err)
	}
	p.cron.Start()

	p.logger.Info("Completion poller started",
		slog.Duration("interval", p.interval),
	)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (p *Poller) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}

// Sweep polls every running child once. Children without a correlation id
// are skipped: they are still in the pacer's hands.
func (p *Poller) Sweep(ctx context.Context) error {
	running, err := p.tracker.store.ListByStatus(ctx, batch.KindBatchChild, batch.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list running children: %w", err)
	}

	for _, job := range running {
		if job.CorrelationID == "" {
			continue
		}
		state, err := p.tracker.backend.PollStatus(ctx, job.CorrelationID)
		if err != nil {
			p.logger.Warn("Failed to poll job status",
				slog.String("job_id", job.JobID),
				slog.String("correlation_id", job.CorrelationID),
				slog.String("error", err.Error()),
			)
			continue
		}

		var status string
		switch state.State {
		case compute.StateCompleted:
			status = batch.StatusCompleted
		case compute.StateFailed:
			status = batch.StatusFailed
		default:
			continue
		}

		if err := p.tracker.HandleCompletion(ctx, job.JobID, status, state.Output, state.Error); err != nil {
			p.logger.Error("Failed to apply polled completion",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
