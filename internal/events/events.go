// Package events carries the batch lifecycle notifications the tracker
// emits for external reporting layers.
package events

import (
	"context"
	"time"
)

// Event names used as AMQP routing keys.
const (
	NameMilestoneReached = "batch.milestone_reached"
	NameBatchFinalized   = "batch.finalized"
)

// Event is a batch lifecycle notification.
type Event interface {
	Name() string
}

// MilestoneReached fires at most once per batch per threshold.
type MilestoneReached struct {
	BatchID   string    `json:"batch_id"`
	Threshold int       `json:"threshold"`
	Percent   float64   `json:"percent"`
	At        time.Time `json:"at"`
}

func (MilestoneReached) Name() string { return NameMilestoneReached }

// BatchFinalized fires once when a batch reaches 100% and its parent is
// marked terminal.
type BatchFinalized struct {
	BatchID     string    `json:"batch_id"`
	Status      string    `json:"status"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Cancelled   int       `json:"cancelled"`
	SuccessRate float64   `json:"success_rate"`
	At          time.Time `json:"at"`
}

func (BatchFinalized) Name() string { return NameBatchFinalized }

// Publisher delivers events to subscribers. Implementations must tolerate
// being called from the tracker's completion path, so they should not block
// for long.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Multi fans one event out to several publishers, e.g. AMQP plus an
// in-process hub. The first error wins but remaining publishers still run.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
