package fraud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kmassidik/walletd/internal/common/broker"
	"github.com/kmassidik/walletd/internal/common/cache"
	"github.com/kmassidik/walletd/internal/common/config"
	"github.com/kmassidik/walletd/internal/common/logger"
)

const idempotencyTTL = 24 * time.Hour

// Consumer drains the fraud review queue, deduplicating deliveries and
// evaluating each against the configured rule set.
type Consumer struct {
	broker   *broker.Broker
	topology *Topology
	cfg      config.BrokerConfig
	rules    []Rule
	cache    *cache.Cache
	repo     *Repository
	log      *logger.Logger
}

// NewConsumer builds a Consumer. Declare() must be called once before
// Start.
func NewConsumer(b *broker.Broker, cfg config.BrokerConfig, rules []Rule, c *cache.Cache, repo *Repository, log *logger.Logger) *Consumer {
	return &Consumer{
		broker:   b,
		topology: NewTopology(b.Channel(), cfg),
		cfg:      cfg,
		rules:    rules,
		cache:    c,
		repo:     repo,
		log:      log,
	}
}

// Declare builds the exchange/queue/DLX/wait-queue topology.
func (c *Consumer) Declare() error {
	return c.topology.Declare()
}

// Start consumes deliveries until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.broker.Channel().Consume(c.cfg.FraudQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("fraud: consume %s: %w", c.cfg.FraudQueue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("fraud: delivery channel closed")
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	var event IncomingEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		c.log.Errorf("fraud: malformed event, dead-lettering: %v", err)
		delivery.Nack(false, false)
		return
	}

	key := idempotencyKey(event)
	won, err := c.cache.SetNX(ctx, key, idempotencyTTL)
	if err != nil {
		c.log.Errorf("fraud: idempotency check failed, retrying delivery: %v", err)
		c.retry(delivery)
		return
	}
	if !won {
		c.log.Infof("fraud: duplicate delivery %s skipped", key)
		delivery.Ack(false)
		return
	}

	for _, rule := range c.rules {
		alert, err := rule.Evaluate(ctx, event)
		if err != nil {
			c.log.Errorf("fraud: rule evaluation failed for wallet %s, retrying: %v", event.WalletID, err)
			c.retry(delivery)
			return
		}
		if alert == nil {
			continue
		}
		if err := c.repo.Save(ctx, alert); err != nil {
			c.log.Errorf("fraud: failed to persist alert for wallet %s, retrying: %v", event.WalletID, err)
			c.retry(delivery)
			return
		}
		c.log.Warnf("fraud alert: rule=%s wallet=%s severity=%s", alert.RuleName, alert.WalletID, alert.Severity)
	}

	delivery.Ack(false)
}

// retry republishes a failed delivery to the next wait queue in the
// ladder, or dead-letters it once the ladder is exhausted. The republish
// happens before the original delivery is acked, so a crash between the
// two leaves the message redelivered rather than silently dropped.
func (c *Consumer) retry(delivery amqp.Delivery) {
	attempt := retryAttempt(delivery)

	queue := WaitQueueForAttempt(attempt)
	nextAttempt := attempt + 1
	if attempt >= maxRetries {
		c.log.Warnf("fraud: delivery exhausted %d retries, dead-lettering", maxRetries)
		queue = c.cfg.FraudQueue + ".dlq"
		nextAttempt = attempt
	}

	if err := c.publishTo(queue, delivery, nextAttempt); err != nil {
		c.log.Errorf("fraud: failed to republish to %s, dead-lettering original delivery: %v", queue, err)
		delivery.Nack(false, false)
		return
	}
	delivery.Ack(false)
}

func (c *Consumer) publishTo(queue string, delivery amqp.Delivery, nextAttempt int) error {
	headers := amqp.Table{}
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	headers[headerRetryCount] = nextAttempt

	return c.broker.Channel().PublishWithContext(context.Background(), "", queue, false, false, amqp.Publishing{
		ContentType:  delivery.ContentType,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         delivery.Body,
	})
}

func retryAttempt(delivery amqp.Delivery) int {
	if delivery.Headers == nil {
		return 0
	}
	if v, ok := delivery.Headers[headerRetryCount]; ok {
		switch n := v.(type) {
		case int32:
			return int(n)
		case int64:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}

// idempotencyKey is SHA-256 of the event's structured identity, not its
// raw wire bytes, so two deliveries of the same logical event with
// different byte layout still dedupe.
func idempotencyKey(event IncomingEvent) string {
	raw := fmt.Sprintf("%s|%s|%s|%s", event.WalletID, event.EventType,
		event.Timestamp.UTC().Format(time.RFC3339Nano), event.Amount)
	sum := sha256.Sum256([]byte(raw))
	return "fraud:consumed:" + hex.EncodeToString(sum[:])
}
