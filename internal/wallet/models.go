// Package wallet implements the Wallet Engine: single-wallet operations
// (deposit, withdraw, freeze, unfreeze, close, daily-limit change) with
// idempotency, row locking, and read-through balance caching.
package wallet

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a wallet.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusFrozen Status = "FROZEN"
	StatusClosed Status = "CLOSED"
)

// DefaultCurrency is assigned to a wallet auto-provisioned by a deposit
// that doesn't name one explicitly; the HTTP surface's deposit body never
// carries a currency field, so this is the one place a default is needed.
const DefaultCurrency = "USD"

// Wallet is a per-account balance record.
type Wallet struct {
	ID                   string
	OwnerID              sql.NullString
	Currency             string
	Balance              decimal.Decimal
	Status               Status
	DailyWithdrawalLimit decimal.NullDecimal
	DailyWithdrawalTotal decimal.Decimal
	LastWithdrawalDate   sql.NullTime
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// NewWallet builds a fresh, unsaved wallet at balance 0, status ACTIVE.
func NewWallet(id, currency string) Wallet {
	return Wallet{
		ID:                   id,
		Currency:             currency,
		Balance:              decimal.Zero,
		Status:               StatusActive,
		DailyWithdrawalTotal: decimal.Zero,
		Version:              0,
	}
}

// BalanceResponse is the response shape for deposit, withdraw, and get.
type BalanceResponse struct {
	WalletID string          `json:"walletId"`
	Balance  decimal.Decimal `json:"balance"`
}

// HistoryEntry is one row of a wallet's event history as returned to HTTP
// clients.
type HistoryEntry struct {
	ID        int64                  `json:"id"`
	EventType string                 `json:"eventType"`
	Currency  string                 `json:"currency"`
	Amount    *decimal.Decimal       `json:"amount,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Summary is the flat per-wallet listing shape for ListByOwner.
type Summary struct {
	WalletID string          `json:"walletId"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Status   Status          `json:"status"`
}
