// Package outbox implements the transactional outbox pattern: rows are
// written in the same database transaction as the business mutation that
// produced them, then drained to the event bus by a background Relay on a
// separate best-effort schedule.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kmassidik/walletd/internal/common/logger"
)

func pqStringArray(ids []string) interface{} {
	return pq.Array(ids)
}

// Status is the lifecycle state of an outbox row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// maxAttempts is the number of publish attempts after which a row is
// excluded from GetPendingEvents even if never explicitly marked failed.
const maxAttempts = 5

// OutboxEvent is one staged row awaiting publication to the event bus.
type OutboxEvent struct {
	ID          string
	AggregateID string
	EventType   string
	Topic       string
	Payload     map[string]interface{}
	Status      Status
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	PublishedAt sql.NullTime
}

// Repository is the transactional-write / polling-read data access layer
// for outbox_events.
type Repository struct {
	db  *sql.DB
	log *logger.Logger
}

// NewRepository builds a Repository.
func NewRepository(db *sql.DB, log *logger.Logger) *Repository {
	return &Repository{db: db, log: log}
}

// SaveEvent writes a pending outbox row inside the caller's transaction,
// assigning event.ID and event.Status.
func (r *Repository) SaveEvent(ctx context.Context, tx *sql.Tx, event *OutboxEvent) error {
	event.ID = uuid.NewString()
	event.Status = StatusPending

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	query := `
		INSERT INTO outbox_events (id, aggregate_id, event_type, topic, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err = tx.QueryRowContext(ctx, query, event.ID, event.AggregateID, event.EventType, event.Topic, payloadJSON, event.Status).
		Scan(&event.CreatedAt)
	if err != nil {
		return fmt.Errorf("outbox: save event for aggregate %s: %w", event.AggregateID, err)
	}
	return nil
}

// GetPendingEvents returns up to limit rows still awaiting publication,
// oldest first, excluding rows that have exhausted their attempt budget.
func (r *Repository) GetPendingEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	query := `
		SELECT id, aggregate_id, event_type, topic, payload, status, attempts, COALESCE(last_error, ''), created_at, published_at
		FROM outbox_events
		WHERE status = $1 AND attempts < $2
		ORDER BY created_at ASC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, StatusPending, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: get pending events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		event := &OutboxEvent{}
		var payloadJSON []byte
		if err := rows.Scan(&event.ID, &event.AggregateID, &event.EventType, &event.Topic, &payloadJSON,
			&event.Status, &event.Attempts, &event.LastError, &event.CreatedAt, &event.PublishedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan event: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
			return nil, fmt.Errorf("outbox: unmarshal payload: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MarkPublishedBatch marks every id in the batch published in a single
// update, per the relay's one-update-per-tick contract.
func (r *Repository) MarkPublishedBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE outbox_events SET status = $1, published_at = now() WHERE id = ANY($2)`
	if _, err := r.db.ExecContext(ctx, query, StatusPublished, pqStringArray(ids)); err != nil {
		return fmt.Errorf("outbox: mark published batch: %w", err)
	}
	return nil
}

// MarkAsPublished marks a single row published.
func (r *Repository) MarkAsPublished(ctx context.Context, id string) error {
	query := `UPDATE outbox_events SET status = $1, published_at = now() WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, StatusPublished, id); err != nil {
		return fmt.Errorf("outbox: mark published %s: %w", id, err)
	}
	return nil
}

// MarkAsFailed marks a row permanently failed with a reason, removing it
// from the pending queue regardless of attempt count.
func (r *Repository) MarkAsFailed(ctx context.Context, id string, reason string) error {
	query := `UPDATE outbox_events SET status = $1, last_error = $2 WHERE id = $3`
	if _, err := r.db.ExecContext(ctx, query, StatusFailed, reason, id); err != nil {
		return fmt.Errorf("outbox: mark failed %s: %w", id, err)
	}
	return nil
}

// IncrementAttempt records a failed publish attempt without marking the
// row failed, so the relay will retry it next tick (up to maxAttempts).
func (r *Repository) IncrementAttempt(ctx context.Context, id string, reason string) error {
	query := `UPDATE outbox_events SET attempts = attempts + 1, last_error = $1 WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, reason, id); err != nil {
		return fmt.Errorf("outbox: increment attempt %s: %w", id, err)
	}
	return nil
}
