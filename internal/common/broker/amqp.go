// Package broker wraps an AMQP 0-9-1 connection: a single durable topic
// exchange for publishing, and topology declaration helpers for consumers
// that need dead-letter and delayed-retry queues.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kmassidik/walletd/internal/common/config"
	"github.com/kmassidik/walletd/internal/common/logger"
)

// Broker owns one AMQP connection and one channel used for publishing.
type Broker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *logger.Logger
	cfg     config.BrokerConfig
}

// Connect dials the broker, opens a channel, and declares the main topic
// exchange used by every publisher in this service.
func Connect(cfg config.BrokerConfig, log *logger.Logger) (*Broker, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("broker: declare exchange %s: %w", cfg.Exchange, err)
	}

	log.Infof("connected to broker, exchange %s ready", cfg.Exchange)
	return &Broker{conn: conn, channel: ch, log: log, cfg: cfg}, nil
}

// Channel exposes the underlying channel for consumers that need to declare
// their own topology (queues, bindings, DLX wiring).
func (b *Broker) Channel() *amqp.Channel {
	return b.channel
}

// Conn exposes the underlying connection, e.g. so a consumer can open its
// own channel.
func (b *Broker) Conn() *amqp.Connection {
	return b.conn
}

// Exchange returns the name of the main topic exchange.
func (b *Broker) Exchange() string {
	return b.cfg.Exchange
}

// Publish marshals payload as JSON and publishes it to the main exchange
// under the given routing key, persistently.
func (b *Broker) Publish(ctx context.Context, routingKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: marshal payload: %w", err)
	}

	err = b.channel.PublishWithContext(ctx, b.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", routingKey, err)
	}
	return nil
}

// Close closes the channel and connection.
func (b *Broker) Close() error {
	if err := b.channel.Close(); err != nil {
		b.log.Warnf("broker: close channel: %v", err)
	}
	return b.conn.Close()
}

// Health reports whether the broker connection is still open, used by the
// readiness endpoint. The channel's state is not checked.
func (b *Broker) Health(ctx context.Context) error {
	if b.conn.IsClosed() {
		return fmt.Errorf("broker: connection closed")
	}
	return nil
}
