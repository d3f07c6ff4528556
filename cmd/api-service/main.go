package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/proteinops/batchflow/internal/api/handler"
	"github.com/proteinops/batchflow/internal/api/router"
	"github.com/proteinops/batchflow/internal/batch"
	"github.com/proteinops/batchflow/internal/compute"
	"github.com/proteinops/batchflow/internal/config"
	"github.com/proteinops/batchflow/internal/events"
	"github.com/proteinops/batchflow/internal/pacer"
	"github.com/proteinops/batchflow/internal/planner"
	"github.com/proteinops/batchflow/internal/ratelimit"
	"github.com/proteinops/batchflow/internal/storage"
	"github.com/proteinops/batchflow/internal/tracker"
	"github.com/proteinops/batchflow/shared/logger"
	"github.com/proteinops/batchflow/shared/postgresql"
	"github.com/proteinops/batchflow/shared/rabbitmq"
	"github.com/proteinops/batchflow/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client and apply the jobs schema
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	store := storage.NewPostgresStore(dbClient.GetDB())
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize Redis-backed rate limiting
	redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	limiter := ratelimit.New(ratelimit.NewRedisStore(redisClient.GetClient()), appLogger.Logger)

	appLogger.Info("Redis connection established")

	// Initialize RabbitMQ client for progress events
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Compute backend client
	backend := compute.NewClient(&compute.Config{
		BaseURL:        cfg.Compute.BaseURL,
		APIKey:         cfg.Compute.APIKey,
		RequestTimeout: cfg.Compute.RequestTimeout,
	}, appLogger.Logger)

	publisher := events.NewAMQPPublisher(rabbitClient, appLogger.Logger)

	deps := &handler.Dependencies{
		Logger:  appLogger.Logger,
		Store:   store,
		Planner: planner.New(plannerConfig(&cfg.Planner), appLogger.Logger),
		Pacer:   pacer.New(store, backend, limiter, pacerConfig(&cfg.Pacer), appLogger.Logger),
		Tracker: tracker.New(store, backend, publisher, tracker.Config{
			CacheTTL: cfg.Tracker.CacheTTL,
			Tuning:   batch.DefaultTuning(),
		}, appLogger.Logger),
		Limiter: limiter,
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, deps)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	// Cleanup function to close all resources
	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if redisClient != nil {
			redisClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRedis initializes the Redis client
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	redisConfig := &redis.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
		PoolSize:    cfg.PoolSize,
	}

	return redis.NewClient(redisConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

func plannerConfig(cfg *config.PlannerConfig) planner.Config {
	out := planner.DefaultConfig()
	if cfg.MaxLigands > 0 {
		out.MaxLigands = cfg.MaxLigands
	}
	if cfg.MaxConcurrentJobs > 0 {
		out.MaxConcurrentJobs = cfg.MaxConcurrentJobs
	}
	if cfg.BasePerJob > 0 {
		out.BasePerJob = cfg.BasePerJob
	}
	if cfg.ImmediateLimit > 0 {
		out.ImmediateLimit = cfg.ImmediateLimit
	}
	if cfg.PacedLimit > 0 {
		out.PacedLimit = cfg.PacedLimit
	}
	if cfg.MicroBatchSize > 0 {
		out.MicroBatchSize = cfg.MicroBatchSize
	}
	if cfg.UnitDelay > 0 {
		out.UnitDelay = cfg.UnitDelay
	}
	if cfg.StageSize > 0 {
		out.StageSize = cfg.StageSize
	}
	if cfg.StageDelay > 0 {
		out.StageDelay = cfg.StageDelay
	}
	return out
}

func pacerConfig(cfg *config.PacerConfig) pacer.Config {
	out := pacer.DefaultConfig()
	if cfg.MaxDispatchAttempts > 0 {
		out.MaxDispatchAttempts = cfg.MaxDispatchAttempts
	}
	if cfg.BaseRetryDelay > 0 {
		out.BaseRetryDelay = cfg.BaseRetryDelay
	}
	if cfg.BackoffMultiplier > 0 {
		out.BackoffMultiplier = cfg.BackoffMultiplier
	}
	if cfg.DispatchTimeout > 0 {
		out.DispatchTimeout = cfg.DispatchTimeout
	}
	if cfg.RateLimitAttempts > 0 {
		out.RateLimitAttempts = cfg.RateLimitAttempts
	}
	if cfg.MaxRateLimitWait > 0 {
		out.MaxRateLimitWait = cfg.MaxRateLimitWait
	}
	return out
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Setup router
	return router.SetupRouter(deps)
}
