// Package transfer implements the Transfer Saga Engine: a two-leg,
// persisted state machine that moves funds between two wallets across
// separate transactions, with a recovery loop that resumes or
// compensates sagas left stuck mid-flight by a crash.
package transfer

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is a transfer saga's place in its state machine.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusDebited     Status = "DEBITED"
	StatusCompleted   Status = "COMPLETED"
	StatusCompensated Status = "COMPENSATED"
	StatusFailed      Status = "FAILED"
)

// legalTransitions enumerates every transition the state machine allows.
// Anything not listed here is a programming error, not a retryable
// condition.
var legalTransitions = map[Status][]Status{
	StatusPending:     {StatusDebited, StatusFailed},
	StatusDebited:     {StatusCompleted, StatusCompensated},
	StatusCompensated: {StatusFailed},
}

// IsLegalTransition reports whether a saga may move from 'from' to 'to'.
func IsLegalTransition(from, to Status) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Leg names a transfer's debit or credit half, used to key the journal's
// saga-leg idempotency index.
type Leg string

const (
	LegDebit  Leg = "debit"
	LegCredit Leg = "credit"
)

// Saga is one transfer's persisted state.
type Saga struct {
	ID            string
	FromWalletID  string
	ToWalletID    string
	Amount        decimal.Decimal
	Currency      string
	Status        Status
	FailureReason string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewSaga builds a fresh, unsaved saga at status PENDING.
func NewSaga(fromWalletID, toWalletID string, amount decimal.Decimal, currency string) Saga {
	return Saga{
		ID:           uuid.NewString(),
		FromWalletID: fromWalletID,
		ToWalletID:   toWalletID,
		Amount:       amount,
		Currency:     currency,
		Status:       StatusPending,
		Version:      0,
	}
}

// Response is the shape returned to HTTP clients for a transfer request.
type Response struct {
	SagaID string `json:"sagaId"`
	Status Status `json:"status"`
}
