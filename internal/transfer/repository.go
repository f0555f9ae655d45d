package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kmassidik/walletd/internal/common/retry"
	"github.com/kmassidik/walletd/internal/walleterr"
)

// Repository is the data access layer for transfer_sagas.
type Repository struct {
	db *sql.DB
}

// NewRepository builds a Repository over a raw *sql.DB, used by the
// recovery loop's read path.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a brand-new saga row inside the caller's transaction.
func (r *Repository) Create(ctx context.Context, tx *sql.Tx, s *Saga) error {
	query := `
		INSERT INTO transfer_sagas (id, from_wallet_id, to_wallet_id, amount, currency, status, version)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		RETURNING created_at, updated_at`

	err := tx.QueryRowContext(ctx, query, s.ID, s.FromWalletID, s.ToWalletID, s.Amount, s.Currency, s.Status).
		Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("transfer: create saga %s: %w", s.ID, err)
	}
	return nil
}

// GetForUpdate locks a saga row for the duration of the caller's
// transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx *sql.Tx, id string) (Saga, bool, error) {
	query := `
		SELECT id, from_wallet_id, to_wallet_id, amount, currency, status,
		       COALESCE(failure_reason, ''), version, created_at, updated_at
		FROM transfer_sagas
		WHERE id = $1
		FOR UPDATE`

	s, err := scanSaga(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Saga{}, false, nil
	}
	if err != nil {
		return Saga{}, false, fmt.Errorf("transfer: get saga for update %s: %w", id, err)
	}
	return s, true, nil
}

// Get reads a saga without locking.
func (r *Repository) Get(ctx context.Context, id string) (Saga, bool, error) {
	query := `
		SELECT id, from_wallet_id, to_wallet_id, amount, currency, status,
		       COALESCE(failure_reason, ''), version, created_at, updated_at
		FROM transfer_sagas
		WHERE id = $1`

	s, err := scanSaga(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Saga{}, false, nil
	}
	if err != nil {
		return Saga{}, false, fmt.Errorf("transfer: get saga %s: %w", id, err)
	}
	return s, true, nil
}

// UpdateStatus moves a saga to newStatus inside the caller's transaction,
// using the same optimistic version check as wallets. Rejects illegal
// transitions outright, as a programming error rather than a business
// failure.
func (r *Repository) UpdateStatus(ctx context.Context, tx *sql.Tx, s *Saga, newStatus Status, failureReason string) error {
	if !IsLegalTransition(s.Status, newStatus) {
		return walleterr.New(walleterr.KindProgramming, fmt.Sprintf("illegal saga transition %s -> %s", s.Status, newStatus))
	}

	query := `
		UPDATE transfer_sagas
		SET status = $1, failure_reason = NULLIF($2, ''), version = version + 1, updated_at = now()
		WHERE id = $3 AND version = $4
		RETURNING version, updated_at`

	newVersion := s.Version
	err := tx.QueryRowContext(ctx, query, newStatus, failureReason, s.ID, s.Version).
		Scan(&newVersion, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return retry.ErrOptimisticLock
	}
	if err != nil {
		return fmt.Errorf("transfer: update saga status %s: %w", s.ID, err)
	}
	s.Status = newStatus
	s.FailureReason = failureReason
	s.Version = newVersion
	return nil
}

// ListStuck returns up to limit sagas that have sat in DEBITED longer than
// olderThan — candidates for the recovery loop.
func (r *Repository) ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]Saga, error) {
	query := `
		SELECT id, from_wallet_id, to_wallet_id, amount, currency, status,
		       COALESCE(failure_reason, ''), version, created_at, updated_at
		FROM transfer_sagas
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`

	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := r.db.QueryContext(ctx, query, StatusDebited, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("transfer: list stuck sagas: %w", err)
	}
	defer rows.Close()

	var sagas []Saga
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("transfer: scan stuck saga: %w", err)
		}
		sagas = append(sagas, s)
	}
	return sagas, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSaga(row rowScanner) (Saga, error) {
	var s Saga
	err := row.Scan(&s.ID, &s.FromWalletID, &s.ToWalletID, &s.Amount, &s.Currency, &s.Status,
		&s.FailureReason, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Saga{}, err
	}
	return s, nil
}
