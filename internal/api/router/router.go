package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proteinops/batchflow/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "batchflow-api",
		})
	})

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Initialize batch handler
	batchHandler := handler.NewBatchHandler(deps)

	// API v1 routes, admitted through the per-caller request limiter
	v1 := r.Group("/api/v1")
	v1.Use(RateLimitMiddleware(deps.Limiter, deps.Logger))
	{
		batches := v1.Group("/batches")
		{
			// POST /api/v1/batches - Submit a new batch
			batches.POST("", batchHandler.CreateBatch)

			// GET /api/v1/batches - List batches with filtering and pagination
			batches.GET("", batchHandler.ListBatches)

			// GET /api/v1/batches/:batch_id - Get batch details
			batches.GET("/:batch_id", batchHandler.GetBatch)

			// GET /api/v1/batches/:batch_id/progress - Progress snapshot
			batches.GET("/:batch_id/progress", batchHandler.GetBatchProgress)

			// POST /api/v1/batches/:batch_id/cancel - Cancel a batch
			batches.POST("/:batch_id/cancel", batchHandler.CancelBatch)
		}

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", batchHandler.GetJob)
		}
	}

	return r
}
