// Package coordinator runs a block of business logic inside a single store
// transaction while collecting outbox events to publish, commits the block
// atomically with those event rows, and only then attempts a best-effort,
// fire-and-forget publish to the event bus.
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"

	"github.com/kmassidik/walletd/internal/common/db"
	"github.com/kmassidik/walletd/internal/common/logger"
	"github.com/kmassidik/walletd/internal/walleterr"
	"github.com/kmassidik/walletd/pkg/outbox"
)

// PendingEvent is one event a business operation wants published once its
// transaction commits.
type PendingEvent struct {
	AggregateID string
	EventType   string
	Topic       string
	Payload     map[string]interface{}
}

// TxContext is handed to the closure passed to Run. It exposes the
// transactional handle and a way to stage events for post-commit
// publishing.
type TxContext struct {
	Tx     *sql.Tx
	events []PendingEvent
}

// PublishEvent stages an event in memory; it is only persisted to the
// outbox table (inside the same transaction) after the closure returns
// without error.
func (tc *TxContext) PublishEvent(e PendingEvent) {
	tc.events = append(tc.events, e)
}

// Publisher is the subset of broker.Broker the coordinator needs for its
// post-commit best-effort publish.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
}

// Coordinator wires the store, the outbox repository, and an optional
// distributed lock together behind a single Run entrypoint.
type Coordinator struct {
	db         *db.DB
	outboxRepo *outbox.Repository
	publisher  Publisher
	locker     *redsync.Redsync
	log        *logger.Logger
	lockTTL    time.Duration
}

// New builds a Coordinator. locker may be nil, in which case Run never
// takes a distributed lock.
func New(database *db.DB, outboxRepo *outbox.Repository, publisher Publisher, locker *redsync.Redsync, log *logger.Logger, lockTTL time.Duration) *Coordinator {
	return &Coordinator{db: database, outboxRepo: outboxRepo, publisher: publisher, locker: locker, log: log, lockTTL: lockTTL}
}

// Options configures one Run call.
type Options struct {
	// LockKey, if non-empty and a locker is configured, is acquired with
	// redsync before the transaction starts and released after Run
	// returns.
	LockKey string
}

// Run executes fn inside a transaction, persists any events fn staged via
// TxContext.PublishEvent in that same transaction, commits, and then
// attempts to publish each staged event. Publish failures are logged and
// swallowed: the outbox relay will retry them.
func (c *Coordinator) Run(ctx context.Context, opts Options, fn func(ctx context.Context, tc *TxContext) error) error {
	if opts.LockKey != "" && c.locker != nil {
		mutex := c.locker.NewMutex(opts.LockKey, redsync.WithExpiry(c.lockTTL))
		if err := mutex.LockContext(ctx); err != nil {
			return walleterr.Wrap(walleterr.KindConcurrency,
				fmt.Sprintf("coordinator: acquire lock %s", opts.LockKey), walleterr.ErrConcurrentRequest)
		}
		defer func() {
			if _, err := mutex.UnlockContext(ctx); err != nil {
				c.log.Warnf("coordinator: release lock %s: %v", opts.LockKey, err)
			}
		}()
	}

	var staged []PendingEvent

	err := c.db.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		tc := &TxContext{Tx: tx}
		if err := fn(ctx, tc); err != nil {
			return err
		}

		for i := range tc.events {
			event := &outbox.OutboxEvent{
				AggregateID: tc.events[i].AggregateID,
				EventType:   tc.events[i].EventType,
				Topic:       tc.events[i].Topic,
				Payload:     tc.events[i].Payload,
			}
			if err := c.outboxRepo.SaveEvent(ctx, tx, event); err != nil {
				return err
			}
		}
		staged = tc.events
		return nil
	})
	if err != nil {
		return err
	}

	for _, event := range staged {
		routingKey := fmt.Sprintf("wallet.%s", strings.ToLower(event.EventType))
		if pubErr := c.publisher.Publish(ctx, routingKey, event.Payload); pubErr != nil {
			c.log.Warnf("coordinator: best-effort publish of %s for %s failed, relay will retry: %v", event.EventType, event.AggregateID, pubErr)
		}
	}
	return nil
}
