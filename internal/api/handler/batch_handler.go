package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/proteinops/batchflow/internal/api/dto"
	"github.com/proteinops/batchflow/internal/batch"
	"github.com/proteinops/batchflow/internal/planner"
	"github.com/proteinops/batchflow/internal/ratelimit"
	"github.com/proteinops/batchflow/internal/storage"
)

const (
	defaultTaskType  = "protein_ligand_binding"
	defaultModelName = "affinity-v2"
)

// CreateBatch handles POST /api/v1/batches
// Validates the request, plans the execution, and starts paced submission in
// the background. The response carries the plan summary, not job results.
func (h *BatchHandler) CreateBatch(c *gin.Context) {
	var req dto.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	// Replays of the same key return the original batch instead of
	// resubmitting.
	if req.IdempotencyKey != "" {
		existing, err := h.store.FindByIdempotencyKey(c.Request.Context(), req.UserID, req.IdempotencyKey)
		if err == nil {
			h.logger.Info("Idempotency key replay",
				slog.String("user_id", req.UserID),
				slog.String("batch_id", existing.JobID),
			)
			c.JSON(http.StatusOK, dto.CreateBatchResponse{
				BatchID:   existing.JobID,
				Status:    existing.Status,
				TotalJobs: existing.TotalChildren,
			})
			return
		}
		var notFound *batch.NotFoundError
		if !errors.As(err, &notFound) {
			h.logger.Error("Idempotency lookup failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to create batch",
			})
			return
		}
	}

	tier := TierFromContext(c)
	decision, err := h.limiter.Check(c.Request.Context(), req.UserID, ratelimit.ClassBatchSubmission, tier, 1)
	if err != nil {
		h.logger.Error("Rate limit check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create batch",
		})
		return
	}
	if !decision.Allowed {
		writeRateLimitHeaders(c, decision)
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "Batch submission rate limit exceeded",
			"retry_after": decision.RetryAfter.Seconds(),
		})
		return
	}

	taskType := req.TaskType
	if taskType == "" {
		taskType = defaultTaskType
	}
	modelName := req.ModelName
	if modelName == "" {
		modelName = defaultModelName
	}

	ligands := make([]planner.Ligand, len(req.Ligands))
	for i, l := range req.Ligands {
		ligands[i] = planner.Ligand{ID: l.ID, SMILES: l.SMILES}
	}

	plan, err := h.planner.Plan(planner.Request{
		Name:            req.Name,
		UserID:          req.UserID,
		ProteinSequence: req.ProteinSequence,
		Ligands:         ligands,
		TaskType:        taskType,
		ModelName:       modelName,
	})
	if err != nil {
		var invalid *batch.ValidationError
		if errors.As(err, &invalid) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": invalid.Error(),
				"field": invalid.Field,
			})
			return
		}
		h.logger.Error("Planning failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create batch",
		})
		return
	}

	childParams := make([]map[string]any, len(req.Ligands))
	for i, l := range req.Ligands {
		childParams[i] = map[string]any{
			"ligand_id":        l.ID,
			"smiles":           l.SMILES,
			"protein_sequence": req.ProteinSequence,
		}
	}

	parent, children := batch.NewBatch(req.Name, taskType, modelName, childParams)
	parent.UserID = req.UserID
	parent.IdempotencyKey = req.IdempotencyKey
	for _, child := range children {
		child.UserID = req.UserID
	}

	// The submission outlives this request; detach it from the request
	// context so a client disconnect does not abort dispatch.
	h.pacer.Start(context.WithoutCancel(c.Request.Context()), plan, req.UserID, tier, parent, children)

	h.logger.Info("Batch accepted",
		slog.String("batch_id", parent.JobID),
		slog.String("user_id", req.UserID),
		slog.Int("total_jobs", plan.TotalJobs),
		slog.String("strategy", plan.Strategy),
	)

	c.JSON(http.StatusAccepted, dto.CreateBatchResponse{
		BatchID:           parent.JobID,
		Status:            parent.Status,
		TotalJobs:         plan.TotalJobs,
		Strategy:          plan.Strategy,
		EstimatedDuration: plan.EstimatedDuration.String(),
		Recommendations:   plan.Recommendations,
	})
}

// GetBatch handles GET /api/v1/batches/:batch_id
func (h *BatchHandler) GetBatch(c *gin.Context) {
	batchID := c.Param("batch_id")
	if _, err := uuid.Parse(batchID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "batch_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.Get(c.Request.Context(), batchID)
	if err != nil {
		h.respondStoreError(c, batchID, err)
		return
	}
	if job.Kind == batch.KindBatchChild {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "batch not found",
		})
		return
	}

	c.JSON(http.StatusOK, toBatchDTO(job))
}

// GetBatchProgress handles GET /api/v1/batches/:batch_id/progress
func (h *BatchHandler) GetBatchProgress(c *gin.Context) {
	batchID := c.Param("batch_id")
	if _, err := uuid.Parse(batchID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "batch_id must be a valid UUID",
		})
		return
	}

	snap, err := h.tracker.Progress(c.Request.Context(), batchID)
	if err != nil {
		h.respondStoreError(c, batchID, err)
		return
	}

	resp := dto.ProgressDTO{
		BatchID:     snap.BatchID,
		Total:       snap.Total,
		Pending:     snap.Pending,
		Running:     snap.Running,
		Completed:   snap.Completed,
		Failed:      snap.Failed,
		Cancelled:   snap.Cancelled,
		Percent:     snap.Percent,
		SuccessRate: snap.SuccessRate,
		Health:      snap.Health,
		ComputedAt:  snap.ComputedAt.Format(time.RFC3339),
	}
	if snap.HasETA {
		resp.ETASeconds = snap.ETA.Seconds()
	}

	c.JSON(http.StatusOK, resp)
}

// CancelBatch handles POST /api/v1/batches/:batch_id/cancel
func (h *BatchHandler) CancelBatch(c *gin.Context) {
	batchID := c.Param("batch_id")
	if _, err := uuid.Parse(batchID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "batch_id must be a valid UUID",
		})
		return
	}

	if err := h.tracker.CancelBatch(c.Request.Context(), batchID); err != nil {
		h.respondStoreError(c, batchID, err)
		return
	}

	job, err := h.store.Get(c.Request.Context(), batchID)
	if err != nil {
		h.respondStoreError(c, batchID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"batch_id": batchID,
		"status":   job.Status,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *BatchHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondStoreError(c, jobID, err)
		return
	}

	c.JSON(http.StatusOK, dto.JobDTO{
		JobID:       job.JobID,
		Name:        job.Name,
		Kind:        job.Kind,
		TaskType:    job.TaskType,
		ModelName:   job.ModelName,
		Status:      job.Status,
		ParentID:    job.ParentID,
		BatchIndex:  job.BatchIndex,
		Params:      job.Params,
		Output:      job.Output,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	})
}

// ListBatches handles GET /api/v1/batches
// Lists top-level jobs with optional filtering and cursor pagination
func (h *BatchHandler) ListBatches(c *gin.Context) {
	var req dto.ListBatchesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeBatchCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.BatchFilter{
		UserID:   req.UserID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	batches, err := h.store.ListBatches(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list batches", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list batches",
		})
		return
	}

	hasMore := len(batches) > req.PageSize
	if hasMore {
		batches = batches[:req.PageSize]
	}

	resp := make([]dto.BatchDTO, len(batches))
	for i, job := range batches {
		resp[i] = toBatchDTO(job)
	}

	var nextCursor string
	if hasMore {
		last := batches[len(batches)-1]
		nextCursor = EncodeBatchCursor(&storage.BatchCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListBatchesResponse{
		Batches:    resp,
		NextCursor: nextCursor,
	})
}

func (h *BatchHandler) respondStoreError(c *gin.Context, id string, err error) {
	var notFound *batch.NotFoundError
	if errors.As(err, &notFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
			"id":    id,
		})
		return
	}
	h.logger.Error("Store operation failed",
		slog.String("id", id),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "Internal error",
	})
}

func toBatchDTO(job *batch.Job) dto.BatchDTO {
	return dto.BatchDTO{
		BatchID:       job.JobID,
		Name:          job.Name,
		Kind:          job.Kind,
		TaskType:      job.TaskType,
		ModelName:     job.ModelName,
		Status:        job.Status,
		UserID:        job.UserID,
		TotalChildren: job.TotalChildren,
		CreatedAt:     job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     job.UpdatedAt.Format(time.RFC3339),
	}
}

// TierFromContext returns the caller's subscription tier as resolved by the
// rate-limit middleware, defaulting when no middleware ran.
func TierFromContext(c *gin.Context) string {
	if tier, ok := c.Get("tier"); ok {
		if s, ok := tier.(string); ok && s != "" {
			return s
		}
	}
	return ratelimit.TierDefault
}

func writeRateLimitHeaders(c *gin.Context, decision ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if !decision.Allowed {
		c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
	}
}
