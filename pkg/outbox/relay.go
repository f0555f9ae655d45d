package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kmassidik/walletd/internal/common/logger"
)

// Publisher is the subset of broker.Broker the relay needs, kept as an
// interface so tests can fake it without a real AMQP connection.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
}

// Relay periodically drains pending outbox rows to the event bus. It runs
// as a long-lived background loop, not a scheduled callback, with an
// in-process flag guarding against overlapping ticks.
type Relay struct {
	repo      *Repository
	publisher Publisher
	log       *logger.Logger
	batchSize int
	interval  time.Duration
	ticking   int32
}

// NewRelay builds a Relay.
func NewRelay(repo *Repository, publisher Publisher, log *logger.Logger, batchSize int, interval time.Duration) *Relay {
	return &Relay{repo: repo, publisher: publisher, log: log, batchSize: batchSize, interval: interval}
}

// Start runs the drain loop until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Relay) tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&r.ticking, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&r.ticking, 0)

	events, err := r.repo.GetPendingEvents(ctx, r.batchSize)
	if err != nil {
		r.log.Errorf("outbox: get pending events: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	var published []string
	for _, event := range events {
		routingKey := routingKeyFor(event.EventType)
		if err := r.publisher.Publish(ctx, routingKey, event.Payload); err != nil {
			r.log.Warnf("outbox: publish %s (attempt %d): %v", event.ID, event.Attempts+1, err)
			if incErr := r.repo.IncrementAttempt(ctx, event.ID, err.Error()); incErr != nil {
				r.log.Errorf("outbox: increment attempt for %s: %v", event.ID, incErr)
			}
			continue
		}
		published = append(published, event.ID)
	}

	if err := r.repo.MarkPublishedBatch(ctx, published); err != nil {
		r.log.Errorf("outbox: mark published batch: %v", err)
		return
	}
	r.log.Infof("outbox: published %d/%d pending events", len(published), len(events))
}

func routingKeyFor(eventType string) string {
	return fmt.Sprintf("wallet.%s", strings.ToLower(eventType))
}
