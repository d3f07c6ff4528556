package handler

import (
	"log/slog"

	"github.com/proteinops/batchflow/internal/pacer"
	"github.com/proteinops/batchflow/internal/planner"
	"github.com/proteinops/batchflow/internal/ratelimit"
	"github.com/proteinops/batchflow/internal/storage"
	"github.com/proteinops/batchflow/internal/tracker"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Store   storage.Store
	Planner *planner.Planner
	Pacer   *pacer.Pacer
	Tracker *tracker.Tracker
	Limiter *ratelimit.Limiter
}

// BatchHandler handles batch and job HTTP requests
type BatchHandler struct {
	logger  *slog.Logger
	store   storage.Store
	planner *planner.Planner
	pacer   *pacer.Pacer
	tracker *tracker.Tracker
	limiter *ratelimit.Limiter
}

// NewBatchHandler creates a new BatchHandler instance
func NewBatchHandler(deps *Dependencies) *BatchHandler {
	return &BatchHandler{
		logger:  deps.Logger,
		store:   deps.Store,
		planner: deps.Planner,
		pacer:   deps.Pacer,
		tracker: deps.Tracker,
		limiter: deps.Limiter,
	}
}
