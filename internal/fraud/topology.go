// Package fraud is the at-least-once, idempotent fraud-detection
// consumer: it binds a durable queue to the wallet event exchange, backs
// it with a dead-letter exchange and three fixed-delay retry queues, and
// evaluates every FUNDS_WITHDRAWN / TRANSFER_COMPLETED event against a
// small rule set.
package fraud

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kmassidik/walletd/internal/common/config"
)

const (
	headerRetryCount = "x-retry-count"
	maxRetries        = 3
)

var retryDelaysMs = [maxRetries]int{1000, 2000, 4000}

// Topology declares the exchange, main queue, dead-letter exchange/queue,
// and the fixed-delay wait queues the retry ladder dead-letters through.
type Topology struct {
	ch  *amqp.Channel
	cfg config.BrokerConfig
}

// NewTopology wraps an already-open channel.
func NewTopology(ch *amqp.Channel, cfg config.BrokerConfig) *Topology {
	return &Topology{ch: ch, cfg: cfg}
}

func waitQueueName(attempt int) string {
	return fmt.Sprintf("%s.wait.%d", "fraud.review", attempt)
}

// Declare builds the full topology idempotently (every declare call is
// safe to repeat).
func (t *Topology) Declare() error {
	if err := t.ch.ExchangeDeclare(t.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("fraud: declare main exchange: %w", err)
	}
	if err := t.ch.ExchangeDeclare(t.cfg.DeadLetterEx, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("fraud: declare dead-letter exchange: %w", err)
	}

	mainArgs := amqp.Table{
		"x-dead-letter-exchange": t.cfg.DeadLetterEx,
	}
	if _, err := t.ch.QueueDeclare(t.cfg.FraudQueue, true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("fraud: declare main queue: %w", err)
	}
	if err := t.ch.QueueBind(t.cfg.FraudQueue, "wallet.funds_withdrawn", t.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("fraud: bind funds_withdrawn: %w", err)
	}
	if err := t.ch.QueueBind(t.cfg.FraudQueue, "wallet.transfer_completed", t.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("fraud: bind transfer_completed: %w", err)
	}

	dlqName := t.cfg.FraudQueue + ".dlq"
	if _, err := t.ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("fraud: declare dlq: %w", err)
	}
	if err := t.ch.QueueBind(dlqName, "#", t.cfg.DeadLetterEx, false, nil); err != nil {
		return fmt.Errorf("fraud: bind dlq: %w", err)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		// No x-dead-letter-routing-key: RabbitMQ keeps the routing key a
		// message was published with when it dead-letters. The consumer
		// republishes a retry through the default exchange, so that key is
		// this wait queue's name; the main queue is bound to the main
		// exchange under that name so an expired retry lands back on it.
		waitArgs := amqp.Table{
			"x-dead-letter-exchange": t.cfg.Exchange,
			"x-message-ttl":          retryDelaysMs[attempt],
		}
		name := waitQueueName(attempt)
		if _, err := t.ch.QueueDeclare(name, true, false, false, false, waitArgs); err != nil {
			return fmt.Errorf("fraud: declare wait queue %s: %w", name, err)
		}
		if err := t.ch.QueueBind(t.cfg.FraudQueue, name, t.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("fraud: bind main queue to %s: %w", name, err)
		}
	}

	return t.ch.Qos(t.cfg.PrefetchN, 0, false)
}

// WaitQueueForAttempt returns the wait queue a failed delivery at the
// given 0-indexed attempt number should be re-published to.
func WaitQueueForAttempt(attempt int) string {
	if attempt >= maxRetries {
		attempt = maxRetries - 1
	}
	return waitQueueName(attempt)
}
