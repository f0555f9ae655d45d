package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kmassidik/walletd/internal/common/cache"
	"github.com/kmassidik/walletd/internal/common/logger"
	"github.com/kmassidik/walletd/internal/common/retry"
	"github.com/kmassidik/walletd/internal/coordinator"
	"github.com/kmassidik/walletd/internal/idempotency"
	"github.com/kmassidik/walletd/internal/journal"
	"github.com/kmassidik/walletd/internal/walleterr"
)

const (
	balanceCacheTTL = 30 * time.Second
	maxHistoryLimit = 100
	outboxTopic     = "wallet_events"
)

// Service is the Wallet Engine: deposit, withdraw, freeze, unfreeze,
// close, setDailyWithdrawalLimit, getBalance, getHistory, and the
// supplemented wallet-listing-by-owner query.
type Service struct {
	repo    *Repository
	journal *journal.Repository
	idem    *idempotency.Repository
	cache   *cache.Cache
	coord   *coordinator.Coordinator
	log     *logger.Logger
}

// NewService builds a Service.
func NewService(repo *Repository, journalRepo *journal.Repository, idem *idempotency.Repository, c *cache.Cache, coord *coordinator.Coordinator, log *logger.Logger) *Service {
	return &Service{repo: repo, journal: journalRepo, idem: idem, cache: c, coord: coord, log: log}
}

func lockKeyForRequest(requestID string) string {
	if requestID == "" {
		return ""
	}
	return fmt.Sprintf("lock:req:%s", requestID)
}

// lookupIdempotent returns the stored response for requestID, if any.
func lookupIdempotent[T any](ctx context.Context, idem *idempotency.Repository, requestID string) (T, bool, error) {
	var zero T
	if requestID == "" {
		return zero, false, nil
	}
	rec, found, err := idem.Lookup(ctx, requestID)
	if err != nil || !found {
		return zero, false, err
	}
	var resp T
	if err := rec.Unmarshal(&resp); err != nil {
		return zero, false, fmt.Errorf("wallet: unmarshal idempotent response: %w", err)
	}
	return resp, true, nil
}

// resolveConcurrentWinner re-reads the idempotency record after losing a
// unique-constraint race, translating to the winner's stored response.
func resolveConcurrentWinner[T any](ctx context.Context, idem *idempotency.Repository, requestID string) (T, error) {
	var zero T
	rec, found, err := idem.Lookup(ctx, requestID)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, fmt.Errorf("wallet: concurrent winner recorded no response for %s", requestID)
	}
	var resp T
	if err := rec.Unmarshal(&resp); err != nil {
		return zero, fmt.Errorf("wallet: unmarshal concurrent winner response: %w", err)
	}
	return resp, nil
}

func eventPayload(walletID string, eventType journal.EventType, amount *decimal.Decimal, metadata map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{
		"eventType": string(eventType),
		"walletId":  walletID,
		"timestamp": time.Now().UTC(),
	}
	if amount != nil {
		payload["amount"] = amount.String()
	}
	if metadata != nil {
		payload["metadata"] = metadata
	}
	return payload
}

func pendingEvent(walletID string, eventType journal.EventType, amount *decimal.Decimal, metadata map[string]interface{}) coordinator.PendingEvent {
	return coordinator.PendingEvent{
		AggregateID: walletID,
		EventType:   string(eventType),
		Topic:       outboxTopic,
		Payload:     eventPayload(walletID, eventType, amount, metadata),
	}
}

// Deposit credits amount to walletId, auto-provisioning the wallet if it
// doesn't exist yet.
func (s *Service) Deposit(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) (BalanceResponse, error) {
	if err := ValidateAmount(amount); err != nil {
		return BalanceResponse{}, err
	}

	if resp, found, err := lookupIdempotent[BalanceResponse](ctx, s.idem, requestID); err != nil {
		return BalanceResponse{}, err
	} else if found {
		return resp, nil
	}

	var resp BalanceResponse
	runErr := retry.Do(ctx, func() error {
		return s.coord.Run(ctx, coordinator.Options{LockKey: lockKeyForRequest(requestID)}, func(ctx context.Context, tc *coordinator.TxContext) error {
			w, existed, err := s.repo.GetForUpdate(ctx, tc.Tx, walletID)
			if err != nil {
				return err
			}
			if !existed {
				nw := NewWallet(walletID, DefaultCurrency)
				if err := s.repo.Create(ctx, tc.Tx, &nw); err != nil {
					return err
				}
				w = nw
				if _, err := s.journal.Insert(ctx, tc.Tx, journal.NewEvent(walletID, journal.EventWalletCreated, w.Currency, nil, nil)); err != nil {
					return err
				}
				tc.PublishEvent(pendingEvent(walletID, journal.EventWalletCreated, nil, nil))
			}

			w.Balance = w.Balance.Add(amount)
			if err := s.repo.Update(ctx, tc.Tx, &w); err != nil {
				return err
			}

			if _, err := s.journal.Insert(ctx, tc.Tx, journal.NewEvent(walletID, journal.EventFundsDeposited, w.Currency, &amount, nil)); err != nil {
				return err
			}
			tc.PublishEvent(pendingEvent(walletID, journal.EventFundsDeposited, &amount, nil))

			resp = BalanceResponse{WalletID: walletID, Balance: w.Balance}
			if requestID != "" {
				if err := s.idem.Store(ctx, tc.Tx, requestID, resp); err != nil {
					return err
				}
			}
			return nil
		})
	})

	if errors.Is(runErr, idempotency.ErrConcurrentWinner) {
		return resolveConcurrentWinner[BalanceResponse](ctx, s.idem, requestID)
	}
	if runErr != nil {
		return BalanceResponse{}, runErr
	}

	s.cache.SetBalance(ctx, walletID, resp.Balance.String(), balanceCacheTTL)
	return resp, nil
}

// Withdraw debits amount from walletId, enforcing activeness, the daily
// withdrawal limit, and sufficient balance.
func (s *Service) Withdraw(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) (BalanceResponse, error) {
	if err := ValidateAmount(amount); err != nil {
		return BalanceResponse{}, err
	}

	if resp, found, err := lookupIdempotent[BalanceResponse](ctx, s.idem, requestID); err != nil {
		return BalanceResponse{}, err
	} else if found {
		return resp, nil
	}

	var resp BalanceResponse
	runErr := retry.Do(ctx, func() error {
		return s.coord.Run(ctx, coordinator.Options{LockKey: lockKeyForRequest(requestID)}, func(ctx context.Context, tc *coordinator.TxContext) error {
			w, existed, err := s.repo.GetForUpdate(ctx, tc.Tx, walletID)
			if err != nil {
				return err
			}
			if !existed || w.Status != StatusActive {
				return walleterr.Wrap(walleterr.KindBusiness, fmt.Sprintf("wallet %s is not active", walletID), walleterr.ErrWalletNotActive)
			}

			if err := ApplyWithdrawal(&w, amount); err != nil {
				return err
			}
			if err := s.repo.Update(ctx, tc.Tx, &w); err != nil {
				return err
			}

			if _, err := s.journal.Insert(ctx, tc.Tx, journal.NewEvent(walletID, journal.EventFundsWithdrawn, w.Currency, &amount, nil)); err != nil {
				return err
			}
			tc.PublishEvent(pendingEvent(walletID, journal.EventFundsWithdrawn, &amount, nil))

			resp = BalanceResponse{WalletID: walletID, Balance: w.Balance}
			if requestID != "" {
				if err := s.idem.Store(ctx, tc.Tx, requestID, resp); err != nil {
					return err
				}
			}
			return nil
		})
	})

	if errors.Is(runErr, idempotency.ErrConcurrentWinner) {
		return resolveConcurrentWinner[BalanceResponse](ctx, s.idem, requestID)
	}
	if runErr != nil {
		return BalanceResponse{}, runErr
	}

	s.cache.SetBalance(ctx, walletID, resp.Balance.String(), balanceCacheTTL)
	return resp, nil
}

// ApplyWithdrawal mutates w in place, enforcing the daily-limit and
// sufficient-balance invariants. Shared by Withdraw and the transfer
// saga's debit leg.
func ApplyWithdrawal(w *Wallet, amount decimal.Decimal) error {
	now := time.Now().UTC()
	if isNewUTCDay(w.LastWithdrawalDate, now) {
		w.DailyWithdrawalTotal = decimal.Zero
	}

	if w.DailyWithdrawalLimit.Valid {
		wouldBe := w.DailyWithdrawalTotal.Add(amount)
		if wouldBe.GreaterThan(w.DailyWithdrawalLimit.Decimal) {
			return walleterr.Wrap(walleterr.KindBusiness, "daily withdrawal limit exceeded", walleterr.ErrWithdrawalLimitExceeded)
		}
	}

	if w.Balance.LessThan(amount) {
		return walleterr.Wrap(walleterr.KindBusiness, "insufficient funds", walleterr.ErrInsufficientFunds)
	}

	w.Balance = w.Balance.Sub(amount)
	w.DailyWithdrawalTotal = w.DailyWithdrawalTotal.Add(amount)
	w.LastWithdrawalDate = sql.NullTime{Time: now, Valid: true}
	return nil
}

// Credit applies a balance increase without the daily-limit bookkeeping,
// used by the transfer saga's credit leg and by compensation.
func Credit(w *Wallet, amount decimal.Decimal) {
	w.Balance = w.Balance.Add(amount)
}

// StatusResponse is the response shape for freeze/unfreeze/close/limit
// operations.
type StatusResponse struct {
	WalletID string `json:"walletId"`
	Status   Status `json:"status"`
}

// Freeze transitions a wallet to FROZEN. Freezing a CLOSED wallet is
// rejected.
func (s *Service) Freeze(ctx context.Context, walletID string, requestID string) (StatusResponse, error) {
	return s.transitionStatus(ctx, walletID, requestID, journal.EventWalletFrozen, func(w *Wallet) error {
		if w.Status == StatusClosed {
			return walleterr.Wrap(walleterr.KindBusiness, "cannot freeze a closed wallet", walleterr.ErrWalletClosed)
		}
		w.Status = StatusFrozen
		return nil
	})
}

// Unfreeze transitions a wallet to ACTIVE. Unfreezing an already-ACTIVE
// wallet is a no-op (no version bump, no event; still idempotent, still
// returns 200).
func (s *Service) Unfreeze(ctx context.Context, walletID string, requestID string) (StatusResponse, error) {
	return s.transitionStatus(ctx, walletID, requestID, journal.EventWalletUnfrozen, func(w *Wallet) error {
		if w.Status == StatusClosed {
			return walleterr.Wrap(walleterr.KindBusiness, "cannot unfreeze a closed wallet", walleterr.ErrWalletClosed)
		}
		w.Status = StatusActive
		return nil
	})
}

// Close transitions a wallet to CLOSED. Requires balance exactly 0.
func (s *Service) Close(ctx context.Context, walletID string, requestID string) (StatusResponse, error) {
	return s.transitionStatus(ctx, walletID, requestID, journal.EventWalletClosed, func(w *Wallet) error {
		if !w.Balance.IsZero() {
			return walleterr.Wrap(walleterr.KindBusiness, "wallet balance must be zero to close", walleterr.ErrNonZeroBalance)
		}
		w.Status = StatusClosed
		return nil
	})
}

func (s *Service) transitionStatus(ctx context.Context, walletID, requestID string, eventType journal.EventType, mutate func(w *Wallet) error) (StatusResponse, error) {
	if resp, found, err := lookupIdempotent[StatusResponse](ctx, s.idem, requestID); err != nil {
		return StatusResponse{}, err
	} else if found {
		return resp, nil
	}

	var resp StatusResponse
	runErr := retry.Do(ctx, func() error {
		return s.coord.Run(ctx, coordinator.Options{LockKey: lockKeyForRequest(requestID)}, func(ctx context.Context, tc *coordinator.TxContext) error {
			w, existed, err := s.repo.GetForUpdate(ctx, tc.Tx, walletID)
			if err != nil {
				return err
			}
			if !existed {
				return walleterr.Wrap(walleterr.KindBusiness, fmt.Sprintf("wallet %s not found", walletID), walleterr.ErrWalletNotFound)
			}
			prevStatus := w.Status
			if err := mutate(&w); err != nil {
				return err
			}
			if eventType == journal.EventWalletUnfrozen && prevStatus == StatusActive {
				resp = StatusResponse{WalletID: walletID, Status: w.Status}
				if requestID != "" {
					return s.idem.Store(ctx, tc.Tx, requestID, resp)
				}
				return nil
			}
			if err := s.repo.Update(ctx, tc.Tx, &w); err != nil {
				return err
			}
			if _, err := s.journal.Insert(ctx, tc.Tx, journal.NewEvent(walletID, eventType, w.Currency, nil, nil)); err != nil {
				return err
			}
			tc.PublishEvent(pendingEvent(walletID, eventType, nil, nil))

			resp = StatusResponse{WalletID: walletID, Status: w.Status}
			if requestID != "" {
				if err := s.idem.Store(ctx, tc.Tx, requestID, resp); err != nil {
					return err
				}
			}
			return nil
		})
	})

	if errors.Is(runErr, idempotency.ErrConcurrentWinner) {
		return resolveConcurrentWinner[StatusResponse](ctx, s.idem, requestID)
	}
	if runErr != nil {
		return StatusResponse{}, runErr
	}

	s.cache.InvalidateBalance(ctx, walletID)
	return resp, nil
}

// SetDailyWithdrawalLimit sets or removes (limit == nil) the wallet's
// daily withdrawal cap.
func (s *Service) SetDailyWithdrawalLimit(ctx context.Context, walletID string, limit *decimal.Decimal, requestID string) (StatusResponse, error) {
	eventType := journal.EventDailyLimitSet
	if limit == nil {
		eventType = journal.EventDailyLimitRemoved
	}

	if resp, found, err := lookupIdempotent[StatusResponse](ctx, s.idem, requestID); err != nil {
		return StatusResponse{}, err
	} else if found {
		return resp, nil
	}

	var resp StatusResponse
	runErr := retry.Do(ctx, func() error {
		return s.coord.Run(ctx, coordinator.Options{LockKey: lockKeyForRequest(requestID)}, func(ctx context.Context, tc *coordinator.TxContext) error {
			w, existed, err := s.repo.GetForUpdate(ctx, tc.Tx, walletID)
			if err != nil {
				return err
			}
			if !existed {
				return walleterr.Wrap(walleterr.KindBusiness, fmt.Sprintf("wallet %s not found", walletID), walleterr.ErrWalletNotFound)
			}
			if limit != nil {
				if !limit.IsPositive() {
					return walleterr.New(walleterr.KindValidation, "daily withdrawal limit must be strictly positive")
				}
				w.DailyWithdrawalLimit = decimal.NullDecimal{Decimal: *limit, Valid: true}
			} else {
				w.DailyWithdrawalLimit = decimal.NullDecimal{}
			}
			if err := s.repo.Update(ctx, tc.Tx, &w); err != nil {
				return err
			}
			if _, err := s.journal.Insert(ctx, tc.Tx, journal.NewEvent(walletID, eventType, w.Currency, nil, nil)); err != nil {
				return err
			}
			tc.PublishEvent(pendingEvent(walletID, eventType, nil, nil))

			resp = StatusResponse{WalletID: walletID, Status: w.Status}
			if requestID != "" {
				if err := s.idem.Store(ctx, tc.Tx, requestID, resp); err != nil {
					return err
				}
			}
			return nil
		})
	})

	if errors.Is(runErr, idempotency.ErrConcurrentWinner) {
		return resolveConcurrentWinner[StatusResponse](ctx, s.idem, requestID)
	}
	return resp, runErr
}

// GetBalance is a read-through cache lookup; a missing wallet returns a
// zero balance without auto-provisioning it.
func (s *Service) GetBalance(ctx context.Context, db *sql.DB, walletID string) (BalanceResponse, error) {
	if cached, ok := s.cache.GetBalance(ctx, walletID); ok {
		amt, err := decimal.NewFromString(cached)
		if err == nil {
			return BalanceResponse{WalletID: walletID, Balance: amt}, nil
		}
	}

	w, found, err := s.repo.Get(ctx, db, walletID)
	if err != nil {
		return BalanceResponse{}, err
	}
	if !found {
		return BalanceResponse{WalletID: walletID, Balance: decimal.Zero}, nil
	}

	s.cache.SetBalance(ctx, walletID, w.Balance.String(), balanceCacheTTL)
	return BalanceResponse{WalletID: walletID, Balance: w.Balance}, nil
}

// GetHistory returns a wallet's journal, newest first, capped to 100 rows
// per page.
func (s *Service) GetHistory(ctx context.Context, walletID string, limit, offset int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	events, err := s.journal.GetByWallet(ctx, walletID, limit, offset)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(events))
	for _, ev := range events {
		entry := HistoryEntry{
			ID:        ev.ID,
			EventType: string(ev.EventType),
			Currency:  ev.Currency,
			Metadata:  ev.Metadata,
			CreatedAt: ev.CreatedAt,
		}
		if ev.Amount.Valid {
			amt := ev.Amount.Decimal
			entry.Amount = &amt
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ListByOwner returns the wallets belonging to ownerID.
func (s *Service) ListByOwner(ctx context.Context, db *sql.DB, ownerID string, limit, offset int) ([]Summary, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	wallets, err := s.repo.ListByOwner(ctx, db, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(wallets))
	for _, w := range wallets {
		summaries = append(summaries, Summary{WalletID: w.ID, Currency: w.Currency, Balance: w.Balance, Status: w.Status})
	}
	return summaries, nil
}
