package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Repository is the insert+select-only data access layer for wallet_events.
// There is deliberately no Update or Delete method: the store's trigger
// would reject them anyway, but the Go API shouldn't even offer the
// temptation.
type Repository struct {
	db *sql.DB
}

// NewRepository builds a Repository over a raw *sql.DB (used for read
// paths that don't need a transaction).
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes one WalletEvent row inside the caller's transaction and
// returns it with ID and CreatedAt populated. This is the only write path
// onto wallet_events in the whole service.
func (r *Repository) Insert(ctx context.Context, tx *sql.Tx, ev WalletEvent) (WalletEvent, error) {
	metadataJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return WalletEvent{}, fmt.Errorf("journal: marshal metadata: %w", err)
	}

	var amount interface{}
	if ev.Amount.Valid {
		amount = ev.Amount.Decimal.String()
	}

	query := `
		INSERT INTO wallet_events (wallet_id, event_type, currency, amount, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err = tx.QueryRowContext(ctx, query, ev.WalletID, ev.EventType, ev.Currency, amount, metadataJSON).
		Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return WalletEvent{}, fmt.Errorf("journal: insert event for wallet %s: %w", ev.WalletID, err)
	}
	return ev, nil
}

// GetByWallet returns events for a wallet newest-first, paginated by
// limit/offset. wallet_events.id is a monotonic BIGSERIAL, so ordering by
// id descending is equivalent to created_at descending and cheaper to
// paginate than a timestamp sort.
func (r *Repository) GetByWallet(ctx context.Context, walletID string, limit, offset int) ([]WalletEvent, error) {
	query := `
		SELECT id, wallet_id, event_type, currency, amount, metadata, created_at
		FROM wallet_events
		WHERE wallet_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, walletID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("journal: get events for wallet %s: %w", walletID, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountByWallet returns the total number of journal rows for a wallet, for
// pagination metadata.
func (r *Repository) CountByWallet(ctx context.Context, walletID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wallet_events WHERE wallet_id = $1`, walletID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("journal: count events for wallet %s: %w", walletID, err)
	}
	return count, nil
}

func scanEvents(rows *sql.Rows) ([]WalletEvent, error) {
	var events []WalletEvent
	for rows.Next() {
		var (
			ev           WalletEvent
			amountStr    sql.NullString
			metadataJSON []byte
		)

		if err := rows.Scan(&ev.ID, &ev.WalletID, &ev.EventType, &ev.Currency, &amountStr, &metadataJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}

		if amountStr.Valid {
			amt, err := decimal.NewFromString(amountStr.String)
			if err != nil {
				return nil, fmt.Errorf("journal: parse amount %q: %w", amountStr.String, err)
			}
			ev.Amount = decimal.NullDecimal{Decimal: amt, Valid: true}
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("journal: unmarshal metadata: %w", err)
			}
		}

		events = append(events, ev)
	}
	return events, rows.Err()
}
