package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/proteinops/batchflow/shared/rabbitmq"
)

// AMQPPublisher publishes events as JSON messages routed by event name.
type AMQPPublisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewAMQPPublisher wraps a connected RabbitMQ client.
func NewAMQPPublisher(client *rabbitmq.Client, logger *slog.Logger) *AMQPPublisher {
	return &AMQPPublisher{client: client, logger: logger}
}

func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := p.client.PublishWithRoutingKey(ctx, event.Name(), body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Name(), err)
	}

	p.logger.Debug("Event published",
		slog.String("event", event.Name()),
	)
	return nil
}

// Hub is the in-process subscriber fan-out: the tracker service and tests
// observe milestones without a broker. Slow subscribers drop events rather
// than stalling the completion path.
type Hub struct {
	mu   sync.RWMutex
	subs []chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe returns a buffered channel that receives future events.
func (h *Hub) Subscribe() <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 64)
	h.subs = append(h.subs, ch)
	return ch
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}
