package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kmassidik/walletd/internal/common/logger"
	"github.com/kmassidik/walletd/internal/common/retry"
)

// Repository is the data access layer for the wallets table.
type Repository struct {
	log *logger.Logger
}

// NewRepository builds a Repository.
func NewRepository(log *logger.Logger) *Repository {
	return &Repository{log: log}
}

// GetForUpdate locks a wallet row for the duration of the caller's
// transaction. The second return value is false if the wallet does not
// exist yet (distinct from a real error), so callers can auto-provision.
func (r *Repository) GetForUpdate(ctx context.Context, tx *sql.Tx, id string) (Wallet, bool, error) {
	query := `
		SELECT id, owner_id, currency, balance, status, daily_withdrawal_limit,
		       daily_withdrawal_total, last_withdrawal_date, version, created_at, updated_at
		FROM wallets
		WHERE id = $1
		FOR UPDATE`

	w, err := scanWallet(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Wallet{}, false, nil
	}
	if err != nil {
		return Wallet{}, false, fmt.Errorf("wallet: get for update %s: %w", id, err)
	}
	return w, true, nil
}

// Get reads a wallet without locking, for read-only queries.
func (r *Repository) Get(ctx context.Context, db querier, id string) (Wallet, bool, error) {
	query := `
		SELECT id, owner_id, currency, balance, status, daily_withdrawal_limit,
		       daily_withdrawal_total, last_withdrawal_date, version, created_at, updated_at
		FROM wallets
		WHERE id = $1`

	w, err := scanWallet(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Wallet{}, false, nil
	}
	if err != nil {
		return Wallet{}, false, fmt.Errorf("wallet: get %s: %w", id, err)
	}
	return w, true, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Create inserts a brand-new wallet row inside the caller's transaction.
func (r *Repository) Create(ctx context.Context, tx *sql.Tx, w *Wallet) error {
	query := `
		INSERT INTO wallets (id, owner_id, currency, balance, status, daily_withdrawal_total, version)
		VALUES ($1, $2, $3, $4, $5, $6, 0)
		RETURNING created_at, updated_at`

	err := tx.QueryRowContext(ctx, query, w.ID, w.OwnerID, w.Currency, w.Balance, w.Status, w.DailyWithdrawalTotal).
		Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("wallet: create %s: %w", w.ID, err)
	}
	return nil
}

// Update persists every mutable field of w using optimistic locking: the
// WHERE clause pins the row's current version, and the SET clause bumps
// it. Zero rows affected means a concurrent writer already moved the
// version out from under us.
func (r *Repository) Update(ctx context.Context, tx *sql.Tx, w *Wallet) error {
	query := `
		UPDATE wallets
		SET balance = $1, status = $2, daily_withdrawal_limit = $3, daily_withdrawal_total = $4,
		    last_withdrawal_date = $5, version = version + 1, updated_at = now()
		WHERE id = $6 AND version = $7
		RETURNING version, updated_at`

	newVersion := w.Version
	err := tx.QueryRowContext(ctx, query,
		w.Balance, w.Status, w.DailyWithdrawalLimit, w.DailyWithdrawalTotal, w.LastWithdrawalDate,
		w.ID, w.Version,
	).Scan(&newVersion, &w.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return retry.ErrOptimisticLock
	}
	if err != nil {
		return fmt.Errorf("wallet: update %s: %w", w.ID, err)
	}
	w.Version = newVersion
	return nil
}

// ListByOwner returns a page of wallets owned by ownerID.
func (r *Repository) ListByOwner(ctx context.Context, db querier, ownerID string, limit, offset int) ([]Wallet, error) {
	query := `
		SELECT id, owner_id, currency, balance, status, daily_withdrawal_limit,
		       daily_withdrawal_total, last_withdrawal_date, version, created_at, updated_at
		FROM wallets
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := db.QueryContext(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("wallet: list by owner %s: %w", ownerID, err)
	}
	defer rows.Close()

	var wallets []Wallet
	for rows.Next() {
		w, err := scanWalletRow(rows)
		if err != nil {
			return nil, fmt.Errorf("wallet: scan row: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(row rowScanner) (Wallet, error) {
	return scanWalletRow(row)
}

func scanWalletRow(row rowScanner) (Wallet, error) {
	var w Wallet
	var lastWithdrawalDate sql.NullTime
	err := row.Scan(&w.ID, &w.OwnerID, &w.Currency, &w.Balance, &w.Status, &w.DailyWithdrawalLimit,
		&w.DailyWithdrawalTotal, &lastWithdrawalDate, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return Wallet{}, err
	}
	w.LastWithdrawalDate = lastWithdrawalDate
	return w, nil
}

// isNewUTCDay reports whether last is unset or falls on a calendar date
// before now, in UTC — the daily-withdrawal-total reset condition.
func isNewUTCDay(last sql.NullTime, now time.Time) bool {
	if !last.Valid {
		return true
	}
	ly, lm, ld := last.Time.UTC().Date()
	ny, nm, nd := now.UTC().Date()
	return ly != ny || lm != nm || ld != nd
}
