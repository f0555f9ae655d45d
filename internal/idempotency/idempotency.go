// Package idempotency stores the {requestId -> response} mapping that lets
// the Wallet Engine and Transfer Saga Engine neutralize client retries: on
// replay, the stored response is returned unchanged. Only successful
// responses are stored; a request that failed leaves no record.
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// pqUniqueViolation is the SQLSTATE Postgres raises on a unique-key
// collision.
const pqUniqueViolation = "23505"

// Record is a stored response keyed by the client-supplied request id.
type Record struct {
	RequestID string
	Response  json.RawMessage
	CreatedAt time.Time
}

// Repository is the data access layer for idempotency_keys.
type Repository struct {
	db *sql.DB
}

// NewRepository builds a Repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Lookup returns the stored record for a request id, or (Record{}, false,
// nil) if none exists yet.
func (r *Repository) Lookup(ctx context.Context, requestID string) (Record, bool, error) {
	return lookup(ctx, r.db, requestID)
}

// LookupTx is the transactional variant of Lookup, used when the caller
// wants the lookup and the eventual insert in the same transaction.
func (r *Repository) LookupTx(ctx context.Context, tx *sql.Tx, requestID string) (Record, bool, error) {
	return lookup(ctx, tx, requestID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func lookup(ctx context.Context, q querier, requestID string) (Record, bool, error) {
	var rec Record
	err := q.QueryRowContext(ctx,
		`SELECT request_id, response, created_at FROM idempotency_keys WHERE request_id = $1`,
		requestID,
	).Scan(&rec.RequestID, &rec.Response, &rec.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency: lookup %s: %w", requestID, err)
	}
	return rec, true, nil
}

// Store inserts the computed response as the last step of the caller's
// transaction. A unique violation means a concurrent request already won;
// ErrConcurrentWinner is returned so the caller can fall back to a re-read
// of the now-existing record.
func (r *Repository) Store(ctx context.Context, tx *sql.Tx, requestID string, response interface{}) error {
	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("idempotency: marshal response: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (request_id, response) VALUES ($1, $2)`,
		requestID, body,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrConcurrentWinner
		}
		return fmt.Errorf("idempotency: store %s: %w", requestID, err)
	}
	return nil
}

// ErrConcurrentWinner is returned by Store when another request already
// inserted the same request id first.
var ErrConcurrentWinner = errors.New("idempotency: concurrent request already recorded a response")

// Unmarshal decodes a stored record's response into dst.
func (rec Record) Unmarshal(dst interface{}) error {
	return json.Unmarshal(rec.Response, dst)
}
