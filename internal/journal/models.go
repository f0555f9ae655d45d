// Package journal is the immutable, append-only WalletEvent store: one row
// per state change, insert-and-select only. Nothing in this package ever
// issues an UPDATE or DELETE against wallet_events — the store itself
// enforces that with a trigger (see migrations), this package simply never
// exposes the methods that would need one.
package journal

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates every WalletEvent kind this service writes.
type EventType string

const (
	EventWalletCreated     EventType = "WALLET_CREATED"
	EventFundsDeposited    EventType = "FUNDS_DEPOSITED"
	EventFundsWithdrawn    EventType = "FUNDS_WITHDRAWN"
	EventTransferInitiated EventType = "TRANSFER_INITIATED"
	EventTransferCompleted EventType = "TRANSFER_COMPLETED"
	EventTransferFailed    EventType = "TRANSFER_FAILED"
	EventTransferCompensated EventType = "TRANSFER_COMPENSATED"
	EventWalletFrozen      EventType = "WALLET_FROZEN"
	EventWalletUnfrozen    EventType = "WALLET_UNFROZEN"
	EventWalletClosed      EventType = "WALLET_CLOSED"
	EventDailyLimitSet     EventType = "DAILY_LIMIT_SET"
	EventDailyLimitRemoved EventType = "DAILY_LIMIT_REMOVED"
)

// WalletEvent is one append-only journal row.
type WalletEvent struct {
	ID        int64
	WalletID  string
	EventType EventType
	Currency  string
	Amount    decimal.NullDecimal
	Metadata  map[string]interface{}
	CreatedAt time.Time
}

// NewEvent builds a WalletEvent ready for Insert; ID and CreatedAt are
// assigned by the store.
func NewEvent(walletID string, eventType EventType, currency string, amount *decimal.Decimal, metadata map[string]interface{}) WalletEvent {
	ev := WalletEvent{
		WalletID:  walletID,
		EventType: eventType,
		Currency:  currency,
		Metadata:  metadata,
	}
	if amount != nil {
		ev.Amount = decimal.NullDecimal{Decimal: *amount, Valid: true}
	}
	return ev
}
