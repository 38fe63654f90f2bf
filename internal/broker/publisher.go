package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/cu-sync-agent/internal/models"
	"github.com/Guizzs26/cu-sync-agent/pkg/infra"
	"github.com/google/uuid"
)

const (
	RoutingQueueFlushed   = "agent.queue.flushed"
	RoutingImportComplete = "agent.import.completed"

	healthCheckInterval = 5 * time.Second
)

// ErrUnavailable is returned while no healthy broker link exists.
var ErrUnavailable = errors.New("broker link unavailable")

// Publisher keeps a RabbitMQ link alive in the background and publishes
// through whichever client is currently healthy.
type Publisher struct {
	url     string
	logger  *slog.Logger
	backoff *infra.Backoff

	mu     sync.RWMutex
	client *RabbitMQClient
}

func NewPublisher(url string, logger *slog.Logger) *Publisher {
	return &Publisher{
		url:     url,
		logger:  logger.With("component", "broker"),
		backoff: infra.NewBackoff(1*time.Second, 60*time.Second, 2.0),
	}
}

// Run maintains the broker link until ctx is done, reconnecting with
// jittered exponential backoff whenever it drops.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		if !p.connected() {
			p.swap(nil)

			client, err := NewRabbitMQClient(p.url, p.logger)
			if err != nil {
				p.logger.Error("RabbitMQ link failure, retrying", "attempt", p.backoff.Attempts()+1, "error", err)
				if !p.backoff.Sleep(ctx) {
					p.swap(nil)
					return
				}
				continue
			}

			p.backoff.Reset()
			p.swap(client)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("Stopping broker link")
			p.swap(nil)
			return
		case <-ticker.C:
		}
	}
}

// Publish sends one event through the current link.
func (p *Publisher) Publish(ctx context.Context, routingKey string, event models.AgentEvent) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return ErrUnavailable
	}
	return client.Publish(ctx, routingKey, event)
}

func (p *Publisher) connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client != nil && p.client.IsHealthy()
}

func (p *Publisher) swap(next *RabbitMQClient) {
	p.mu.Lock()
	prev := p.client
	p.client = next
	p.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
}

// NopPublisher discards every event. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, models.AgentEvent) error { return nil }

// NewEvent wraps a payload in an AgentEvent with a fresh id and timestamp.
func NewEvent(kind string, payload any) (models.AgentEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.AgentEvent{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return models.AgentEvent{
		EventID:   uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}
