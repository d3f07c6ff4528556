package pacer

import (
	"context"
	"log/slog"

	"github.com/proteinops/batchflow/internal/batch"
	"github.com/proteinops/batchflow/internal/planner"
)

// Task is the handle for a submission running in the background. Unlike a
// bare goroutine, the outcome stays observable: callers can wait on Done
// and read the result, and cancellation flows through the task context.
type Task struct {
	BatchID string

	cancel context.CancelFunc
	done   chan struct{}
	result SubmissionResult
	err    error
}

// Done is closed when the submission has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the submission outcome; valid after Done is closed.
func (t *Task) Result() (SubmissionResult, error) {
	<-t.done
	return t.result, t.err
}

// Cancel stops dispatching further units. Already in-flight dispatches
// drain normally.
func (t *Task) Cancel() {
	t.cancel()
}

// Start runs Submit in the background and returns its handle.
func (p *Pacer) Start(ctx context.Context, plan *planner.ExecutionPlan, subject, tier string, parent *batch.Job, children []*batch.Job) *Task {
	taskCtx, cancel := context.WithCancel(ctx)
	task := &Task{
		BatchID: parent.JobID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer cancel()
		defer close(task.done)

		task.result, task.err = p.Submit(taskCtx, plan, subject, tier, parent, children)
		if task.err != nil {
			p.logger.Error("Background submission ended with error",
				slog.String("batch_id", task.BatchID),
				slog.String("error", task.err.Error()),
			)
		}
	}()

	return task
}
