package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/proteinops/batchflow/internal/batch"
	"github.com/proteinops/batchflow/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// CompletionMessage is the push-mode completion feed payload published by
// the collaborator that watches the compute backend.
type CompletionMessage struct {
	JobID  string         `json:"job_id"`
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ConsumerConfig holds completion feed consumer settings.
type ConsumerConfig struct {
	Concurrency   int
	PrefetchCount int
	ConsumerTag   string
}

// Consumer drains completion messages from RabbitMQ and applies them
// through the tracker with a bounded worker pool.
type Consumer struct {
	tracker      *Tracker
	rabbitClient *rabbitmq.Client
	cfg          ConsumerConfig
	logger       *slog.Logger

	wg       sync.WaitGroup
	stopChan chan struct{}
	msgsChan chan amqp.Delivery
}

// NewConsumer creates a completion feed consumer.
func NewConsumer(tracker *Tracker, rabbitClient *rabbitmq.Client, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "tracker-" + uuid.New().String()
	}
	return &Consumer{
		tracker:      tracker,
		rabbitClient: rabbitClient,
		cfg:          cfg,
		logger:       logger,
		stopChan:     make(chan struct{}),
		msgsChan:     make(chan amqp.Delivery, cfg.Concurrency),
	}
}

// Start begins consuming. It returns once the consumer is wired up; message
// handling continues until Stop or context cancellation.
func (c *Consumer) Start(ctx context.Context) error {
	channel := c.rabbitClient.GetChannel()
	if channel == nil {
		return fmt.Errorf("rabbitmq channel is nil")
	}

	if err := channel.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := c.rabbitClient.Consume(c.cfg.ConsumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Completion feed consumer started",
		slog.String("consumer_tag", c.cfg.ConsumerTag),
		slog.Int("concurrency", c.cfg.Concurrency),
		slog.Int("prefetch_count", c.cfg.PrefetchCount),
	)

	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx, i)
	}

	c.wg.Add(1)
	go c.dispatchLoop(ctx, deliveries)
	return nil
}

// Stop drains the worker pool.
func (c *Consumer) Stop() {
	close(c.stopChan)
	c.wg.Wait()
	c.logger.Info("Completion feed consumer stopped")
}

func (c *Consumer) dispatchLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	defer close(c.msgsChan)

	for {
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			select {
			case c.msgsChan <- delivery:
			case <-c.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Consumer) workerLoop(ctx context.Context, workerNum int) {
	defer c.wg.Done()

	for delivery := range c.msgsChan {
		c.handleDelivery(ctx, workerNum, delivery)
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, workerNum int, delivery amqp.Delivery) {
	var msg CompletionMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.Error("Failed to parse completion message",
			slog.Int("worker", workerNum),
			slog.String("error", err.Error()),
		)
		// Malformed messages go to the DLQ, not back on the queue.
		c.nack(delivery, false)
		return
	}

	// Only genuine outcome states may arrive on the feed; cancellation is
	// owned by the tracker itself.
	if msg.JobID == "" || (msg.Status != batch.StatusCompleted && msg.Status != batch.StatusFailed) {
		c.logger.Error("Completion message missing job id or outcome status",
			slog.String("job_id", msg.JobID),
			slog.String("status", msg.Status),
		)
		c.nack(delivery, false)
		return
	}

	if err := c.tracker.HandleCompletion(ctx, msg.JobID, msg.Status, msg.Output, msg.Error); err != nil {
		c.logger.Error("Failed to handle completion",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		// Store errors may be transient; requeue for another attempt.
		c.nack(delivery, true)
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("Failed to ACK completion message",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Consumer) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to NACK message",
			slog.String("error", err.Error()),
		)
	}
}
