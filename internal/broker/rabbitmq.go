package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/cu-sync-agent/internal/models"
	"github.com/Guizzs26/cu-sync-agent/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	EventsExchange = "cu.agent.events"
	confirmTimeout = 10 * time.Second
)

// RabbitMQClient owns one connection and one confirm-mode channel
type RabbitMQClient struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewRabbitMQClient dials the broker, declares the events exchange and enables Publisher Confirms
func NewRabbitMQClient(url string, l *slog.Logger) (*RabbitMQClient, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		EventsExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare events exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &RabbitMQClient{
		conn:       c,
		channel:    ch,
		logger:     l,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	client.healthy.Store(true)
	metrics.BrokerHealthy.Set(1)

	client.conn.NotifyClose(client.connClosed)
	client.channel.NotifyClose(client.chanClosed)

	go client.watch()

	l.Info("Connected to RabbitMQ", "exchange", EventsExchange)
	return client, nil
}

func (r *RabbitMQClient) watch() {
	select {
	case err := <-r.connClosed:
		r.markDown()
		r.logger.Warn("RabbitMQ connection closed", "error", err)
	case err := <-r.chanClosed:
		r.markDown()
		r.logger.Warn("RabbitMQ channel closed", "error", err)
	case <-r.ctx.Done():
	}
}

func (r *RabbitMQClient) markDown() {
	r.healthy.Store(false)
	metrics.BrokerHealthy.Set(0)
}

// Publish sends an event and blocks until the broker confirms it
func (r *RabbitMQClient) Publish(ctx context.Context, routingKey string, event models.AgentEvent) error {
	if !r.IsHealthy() {
		return ErrUnavailable
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	l := r.logger.With("event_id", event.EventID, "routing_key", routingKey)

	deferred, err := r.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		EventsExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			MessageId:    event.EventID,
			Type:         event.Kind,
			Timestamp:    event.Timestamp,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		l.Error("Failed to publish event", "error", err)
		return fmt.Errorf("publish call failed: %w", err)
	}

	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received for event %s", event.EventID)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("publisher confirm timeout")
	}
}

// Close shuts down the channel and connection once
func (r *RabbitMQClient) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.markDown()
		if r.channel != nil {
			r.channel.Close()
		}
		if r.conn != nil {
			r.conn.Close()
		}
	})
	return nil
}

func (r *RabbitMQClient) IsHealthy() bool {
	return r.healthy.Load()
}
