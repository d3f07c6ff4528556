package router

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/proteinops/batchflow/internal/metrics"
	"github.com/proteinops/batchflow/internal/ratelimit"
)

// LoggerMiddleware logs HTTP requests with slog
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Calculate latency
		latency := time.Since(start)

		// Log request details
		logger.Info("HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.String("ip", c.ClientIP()),
			slog.String("user_agent", c.Request.UserAgent()),
			slog.Duration("latency", latency),
			slog.Int("body_size", c.Writer.Size()),
		)

		// Log errors if any
		if len(c.Errors) > 0 {
			for _, e := range c.Errors {
				logger.Error("Request error",
					slog.String("error", e.Error()),
					slog.Uint64("type", uint64(e.Type)),
				)
			}
		}
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Idempotency-Key, X-User-ID, X-User-Tier")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RateLimitMiddleware admits requests against the caller's api-request
// bucket. The subject is the X-User-ID header when present, the client IP
// otherwise; the tier comes from X-User-Tier (unknown values fall back to
// the default tier inside the limiter). The resolved subject and tier are
// stored on the context for handlers that do their own class checks.
func RateLimitMiddleware(limiter *ratelimit.Limiter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.GetHeader("X-User-ID")
		if subject == "" {
			subject = c.ClientIP()
		}
		tier := c.GetHeader("X-User-Tier")
		if tier == "" {
			tier = ratelimit.TierDefault
		}

		c.Set("subject", subject)
		c.Set("tier", tier)

		decision, err := limiter.Check(c.Request.Context(), subject, ratelimit.ClassAPIRequest, tier, 1)
		if err != nil {
			// Admission control must not take the API down with it.
			logger.Error("Rate limit check failed, admitting request",
				slog.String("subject", subject),
				slog.String("error", err.Error()),
			)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Allowed {
			metrics.RateLimitDenialsTotal.WithLabelValues(ratelimit.ClassAPIRequest).Inc()
			c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": decision.RetryAfter.Seconds(),
			})
			return
		}

		c.Next()
	}
}
