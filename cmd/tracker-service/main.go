package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/proteinops/batchflow/internal/batch"
	"github.com/proteinops/batchflow/internal/compute"
	"github.com/proteinops/batchflow/internal/config"
	"github.com/proteinops/batchflow/internal/events"
	"github.com/proteinops/batchflow/internal/storage"
	"github.com/proteinops/batchflow/internal/tracker"
	"github.com/proteinops/batchflow/shared/logger"
	"github.com/proteinops/batchflow/shared/postgresql"
	"github.com/proteinops/batchflow/shared/rabbitmq"
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
	defaultConfigPath := os.Getenv("TRACKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/tracker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateTrackerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting tracker service",
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

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Compute backend client for poll sweeps and best-effort cancels
	backend := compute.NewClient(&compute.Config{
		BaseURL:        cfg.Compute.BaseURL,
		APIKey:         cfg.Compute.APIKey,
		RequestTimeout: cfg.Compute.RequestTimeout,
	}, appLogger.Logger)

	// Events go to the broker and to an in-process hub for local visibility
	hub := events.NewHub()
	publisher := events.Multi{events.NewAMQPPublisher(rabbitClient, appLogger.Logger), hub}

	trk := tracker.New(store, backend, publisher, tracker.Config{
		CacheTTL: cfg.Tracker.CacheTTL,
		Tuning:   batch.DefaultTuning(),
	}, appLogger.Logger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go logBatchEvents(ctx, hub, appLogger.Logger)

	// Push feed: completion messages from the queue
	consumer := tracker.NewConsumer(trk, rabbitClient, tracker.ConsumerConfig{
		Concurrency:   cfg.RabbitMQ.Consumer.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
	}, appLogger.Logger)

	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start completion consumer: %w", err)
	}

	// Pull feed: periodic backend sweep, for deployments without the push
	// feed and as a safety net behind it
	var poller *tracker.Poller
	if cfg.Tracker.PollEnabled {
		poller = tracker.NewPoller(trk, cfg.Tracker.PollInterval, appLogger.Logger)
		if err := poller.Start(ctx); err != nil {
			return fmt.Errorf("failed to start completion poller: %w", err)
		}
	}

	appLogger.Info("Tracker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	// Cancel context to stop in-flight handlers
	cancel()

	// Give the consumer and poller time to drain gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		consumer.Stop()
		if poller != nil {
			poller.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Tracker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Tracker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Tracker service shutdown complete")
	return nil
}

// logBatchEvents mirrors batch lifecycle events into the service log.
func logBatchEvents(ctx context.Context, hub *events.Hub, logger *slog.Logger) {
	sub := hub.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub:
			switch e := event.(type) {
			case events.MilestoneReached:
				logger.Info("Batch milestone reached",
					slog.String("batch_id", e.BatchID),
					slog.Int("threshold", e.Threshold),
					slog.Float64("percent", e.Percent),
				)
			case events.BatchFinalized:
				logger.Info("Batch finalized",
					slog.String("batch_id", e.BatchID),
					slog.String("status", e.Status),
					slog.Int("completed", e.Completed),
					slog.Int("failed", e.Failed),
					slog.Float64("success_rate", e.SuccessRate),
				)
			}
		}
	}
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
