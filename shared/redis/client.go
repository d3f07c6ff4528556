package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Host        string
	Port        int
	Password    string
	DB          int
	DialTimeout time.Duration
	ReadTimeout time.Duration
	PoolSize    int
}

// Client represents a Redis client
type Client struct {
	rdb    *redis.Client
	config *Config
	logger *slog.Logger
}

// NewClient creates a new Redis client and verifies the connection
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)

	logger.Info("Connecting to Redis",
		slog.String("addr", addr),
		slog.Int("db", config.DB),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
		ReadTimeout: config.ReadTimeout,
		PoolSize:    config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to ping Redis",
			slog.Any("error", err),
		)
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	client := &Client{
		rdb:    rdb,
		config: config,
		logger: logger,
	}

	logger.Info("Successfully connected to Redis",
		slog.String("addr", addr),
		slog.Int("pool_size", config.PoolSize),
	)

	return client, nil
}

// GetClient returns the underlying go-redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")

	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil {
			c.logger.Error("Failed to close Redis connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("Redis connection closed successfully")
	return nil
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// HealthCheck performs a health check on Redis
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
