package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/kmassidik/walletd/internal/common/db"
	"github.com/kmassidik/walletd/internal/common/logger"
	"github.com/kmassidik/walletd/internal/common/retry"
	"github.com/kmassidik/walletd/internal/coordinator"
	"github.com/kmassidik/walletd/internal/idempotency"
	"github.com/kmassidik/walletd/internal/journal"
	"github.com/kmassidik/walletd/internal/wallet"
	"github.com/kmassidik/walletd/internal/walleterr"
)

const pqUniqueViolation = "23505"

// Service is the Transfer Saga Engine.
type Service struct {
	repo       *Repository
	walletRepo *wallet.Repository
	journal    *journal.Repository
	idem       *idempotency.Repository
	coord      *coordinator.Coordinator
	database   *db.DB
	log        *logger.Logger
}

// NewService builds a Service.
func NewService(repo *Repository, walletRepo *wallet.Repository, journalRepo *journal.Repository, idem *idempotency.Repository, coord *coordinator.Coordinator, database *db.DB, log *logger.Logger) *Service {
	return &Service{repo: repo, walletRepo: walletRepo, journal: journalRepo, idem: idem, coord: coord, database: database, log: log}
}

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
		return zero, false, fmt.Errorf("transfer: unmarshal idempotent response: %w", err)
	}
	return resp, true, nil
}

func resolveConcurrentWinner[T any](ctx context.Context, idem *idempotency.Repository, requestID string) (T, error) {
	var zero T
	rec, found, err := idem.Lookup(ctx, requestID)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, fmt.Errorf("transfer: concurrent winner recorded no response for %s", requestID)
	}
	var resp T
	if err := rec.Unmarshal(&resp); err != nil {
		return zero, fmt.Errorf("transfer: unmarshal concurrent winner response: %w", err)
	}
	return resp, nil
}

func legMetadata(sagaID string, leg Leg, extra map[string]interface{}) map[string]interface{} {
	md := map[string]interface{}{"sagaId": sagaID, "leg": string(leg)}
	for k, v := range extra {
		md[k] = v
	}
	return md
}

func sagaEventPayload(saga *Saga, eventType journal.EventType) map[string]interface{} {
	return map[string]interface{}{
		"eventType":    string(eventType),
		"sagaId":       saga.ID,
		"fromWalletId": saga.FromWalletID,
		"toWalletId":   saga.ToWalletID,
		"amount":       saga.Amount.String(),
		"currency":     saga.Currency,
	}
}

// Execute runs a transfer end to end: initiate, debit, credit, each its
// own transaction so a crash between legs leaves a DEBITED saga the
// recovery loop can resume.
func (s *Service) Execute(ctx context.Context, fromWalletID, toWalletID string, amount decimal.Decimal, requestID string) (Response, error) {
	if err := Validate(fromWalletID, toWalletID, amount); err != nil {
		return Response{}, err
	}

	if resp, found, err := lookupIdempotent[Response](ctx, s.idem, requestID); err != nil {
		return Response{}, err
	} else if found {
		return resp, nil
	}

	source, found, err := s.walletRepo.Get(ctx, s.database.DB, fromWalletID)
	if err != nil {
		return Response{}, err
	}
	if !found {
		return Response{}, walleterr.Wrap(walleterr.KindBusiness, fmt.Sprintf("wallet %s not found", fromWalletID), walleterr.ErrWalletNotFound)
	}

	saga := NewSaga(fromWalletID, toWalletID, amount, source.Currency)

	if err := s.initiate(ctx, &saga); err != nil {
		return Response{}, err
	}

	if err := s.runDebitLeg(ctx, &saga); err != nil {
		return s.finalizeFailed(ctx, &saga, err, requestID)
	}

	if err := s.runCreditLeg(ctx, &saga); err != nil {
		return s.compensate(ctx, &saga, err, requestID)
	}

	resp := Response{SagaID: saga.ID, Status: saga.Status}
	return s.storeFinalResponse(ctx, resp, requestID)
}

func (s *Service) initiate(ctx context.Context, saga *Saga) error {
	return retry.Do(ctx, func() error {
		return s.coord.Run(ctx, coordinator.Options{}, func(ctx context.Context, tc *coordinator.TxContext) error {
			if err := s.repo.Create(ctx, tc.Tx, saga); err != nil {
				return err
			}
			metadata := map[string]interface{}{"sagaId": saga.ID, "toWalletId": saga.ToWalletID}
			if _, err := s.journal.Insert(ctx, tc.Tx, journal.NewEvent(saga.FromWalletID, journal.EventTransferInitiated, saga.Currency, &saga.Amount, metadata)); err != nil {
				return err
			}
			tc.PublishEvent(coordinator.PendingEvent{
				AggregateID: saga.ID,
				EventType:   string(journal.EventTransferInitiated),
				Topic:       "wallet_events",
				Payload:     sagaEventPayload(saga, journal.EventTransferInitiated),
			})
			return nil
		})
	})
}

// runDebitLeg locks the source wallet, applies the withdrawal rules, and
// advances the saga PENDING -> DEBITED. A unique-violation on the leg
// event means a previous attempt already debited; the balance mutation is
// skipped and the saga is simply advanced.
func (s *Service) runDebitLeg(ctx context.Context, saga *Saga) error {
	return retry.Do(ctx, func() error {
		return s.coord.Run(ctx, coordinator.Options{LockKey: fmt.Sprintf("lock:saga:%s:debit", saga.ID)}, func(ctx context.Context, tc *coordinator.TxContext) error {
			sagaRow, found, err := s.repo.GetForUpdate(ctx, tc.Tx, saga.ID)
			if err != nil {
				return err
			}
			if !found {
				return walleterr.New(walleterr.KindProgramming, "saga disappeared before debit leg")
			}
			if sagaRow.Status == StatusDebited {
				*saga = sagaRow
				return nil
			}

			w, found, err := s.walletRepo.GetForUpdate(ctx, tc.Tx, saga.FromWalletID)
			if err != nil {
				return err
			}
			if !found || w.Status != wallet.StatusActive {
				return walleterr.Wrap(walleterr.KindBusiness, fmt.Sprintf("source wallet %s is not active", saga.FromWalletID), walleterr.ErrWalletNotActive)
			}

			alreadyApplied := false
			if err := wallet.ApplyWithdrawal(&w, saga.Amount); err != nil {
				return err
			}
			_, insertErr := s.journal.Insert(ctx, tc.Tx, journal.NewEvent(saga.FromWalletID, journal.EventFundsWithdrawn, w.Currency, &saga.Amount, legMetadata(saga.ID, LegDebit, nil)))
			if insertErr != nil {
				var pqErr *pq.Error
				if errors.As(insertErr, &pqErr) && pqErr.Code == pqUniqueViolation {
					alreadyApplied = true
				} else {
					return insertErr
				}
			}

			if !alreadyApplied {
				if err := s.walletRepo.Update(ctx, tc.Tx, &w); err != nil {
					return err
				}
				tc.PublishEvent(coordinator.PendingEvent{
					AggregateID: saga.FromWalletID,
					EventType:   string(journal.EventFundsWithdrawn),
					Topic:       "wallet_events",
					Payload:     sagaEventPayload(saga, journal.EventFundsWithdrawn),
				})
			}

			sagaRow = *saga
			if err := s.repo.UpdateStatus(ctx, tc.Tx, &sagaRow, StatusDebited, ""); err != nil {
				return err
			}
			*saga = sagaRow
			return nil
		})
	})
}

// runCreditLeg locks the destination wallet (auto-provisioning it,
// inheriting the source's currency, if it doesn't exist), credits it, and
// advances the saga DEBITED -> COMPLETED.
func (s *Service) runCreditLeg(ctx context.Context, saga *Saga) error {
	return retry.Do(ctx, func() error {
		return s.coord.Run(ctx, coordinator.Options{LockKey: fmt.Sprintf("lock:saga:%s:credit", saga.ID)}, func(ctx context.Context, tc *coordinator.TxContext) error {
			sagaRow, found, err := s.repo.GetForUpdate(ctx, tc.Tx, saga.ID)
			if err != nil {
				return err
			}
			if !found {
				return walleterr.New(walleterr.KindProgramming, "saga disappeared before credit leg")
			}
			if sagaRow.Status == StatusCompleted {
				*saga = sagaRow
				return nil
			}

			w, found, err := s.walletRepo.GetForUpdate(ctx, tc.Tx, saga.ToWalletID)
			if err != nil {
				return err
			}
			if !found {
				nw := wallet.NewWallet(saga.ToWalletID, saga.Currency)
				if err := s.walletRepo.Create(ctx, tc.Tx, &nw); err != nil {
					return err
				}
				w = nw
			}
			if w.Status != wallet.StatusActive {
				return walleterr.Wrap(walleterr.KindBusiness, fmt.Sprintf("destination wallet %s is not active", saga.ToWalletID), walleterr.ErrWalletNotActive)
			}
			if w.Currency != saga.Currency {
				return walleterr.Wrap(walleterr.KindBusiness, "destination wallet currency does not match transfer currency", walleterr.ErrCurrencyMismatch)
			}

			alreadyApplied := false
			wallet.Credit(&w, saga.Amount)
			_, insertErr := s.journal.Insert(ctx, tc.Tx, journal.NewEvent(saga.ToWalletID, journal.EventFundsDeposited, w.Currency, &saga.Amount, legMetadata(saga.ID, LegCredit, nil)))
			if insertErr != nil {
				var pqErr *pq.Error
				if errors.As(insertErr, &pqErr) && pqErr.Code == pqUniqueViolation {
					alreadyApplied = true
				} else {
					return insertErr
				}
			}

			if !alreadyApplied {
				if err := s.walletRepo.Update(ctx, tc.Tx, &w); err != nil {
					return err
				}
				tc.PublishEvent(coordinator.PendingEvent{
					AggregateID: saga.ToWalletID,
					EventType:   string(journal.EventFundsDeposited),
					Topic:       "wallet_events",
					Payload:     sagaEventPayload(saga, journal.EventFundsDeposited),
				})
			}

			if _, err := s.journal.Insert(ctx, tc.Tx, journal.NewEvent(saga.FromWalletID, journal.EventTransferCompleted, saga.Currency, &saga.Amount, map[string]interface{}{"sagaId": saga.ID})); err != nil {
				return err
			}
			tc.PublishEvent(coordinator.PendingEvent{
				AggregateID: saga.ID,
				EventType:   string(journal.EventTransferCompleted),
				Topic:       "wallet_events",
				Payload:     sagaEventPayload(saga, journal.EventTransferCompleted),
			})

			if err := s.repo.UpdateStatus(ctx, tc.Tx, &sagaRow, StatusCompleted, ""); err != nil {
				return err
			}
			*saga = sagaRow
			return nil
		})
	})
}

// finalizeFailed marks a saga FAILED after a debit-leg business failure
// (no money moved, so no compensation is needed). No idempotency record is
// stored for the failed request, so a retry with the same request id runs
// again.
func (s *Service) finalizeFailed(ctx context.Context, saga *Saga, cause error, requestID string) (Response, error) {
	if walleterr.KindOf(cause) == walleterr.KindBusiness {
		_ = s.database.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			sagaRow, found, err := s.repo.GetForUpdate(ctx, tx, saga.ID)
			if err != nil || !found {
				return err
			}
			if sagaRow.Status != StatusPending {
				return nil
			}
			return s.repo.UpdateStatus(ctx, tx, &sagaRow, StatusFailed, cause.Error())
		})
	}
	return Response{}, cause
}

// compensate reverses a committed debit leg after the credit leg fails,
// crediting the source wallet back and moving the saga
// DEBITED -> COMPENSATED -> FAILED.
func (s *Service) compensate(ctx context.Context, saga *Saga, cause error, requestID string) (Response, error) {
	runErr := retry.Do(ctx, func() error {
		return s.coord.Run(ctx, coordinator.Options{LockKey: fmt.Sprintf("lock:saga:%s:compensate", saga.ID)}, func(ctx context.Context, tc *coordinator.TxContext) error {
			sagaRow, found, err := s.repo.GetForUpdate(ctx, tc.Tx, saga.ID)
			if err != nil {
				return err
			}
			if !found {
				return walleterr.New(walleterr.KindProgramming, "saga disappeared before compensation")
			}
			if sagaRow.Status != StatusDebited {
				*saga = sagaRow
				return nil
			}

			w, found, err := s.walletRepo.GetForUpdate(ctx, tc.Tx, saga.FromWalletID)
			if err != nil {
				return err
			}
			if !found {
				return walleterr.New(walleterr.KindProgramming, "source wallet disappeared before compensation")
			}

			if w.Status == wallet.StatusClosed {
				reason := fmt.Sprintf("%s (source wallet closed, no refund issued)", cause.Error())
				if err := s.repo.UpdateStatus(ctx, tc.Tx, &sagaRow, StatusCompensated, reason); err != nil {
					return err
				}
				if err := s.repo.UpdateStatus(ctx, tc.Tx, &sagaRow, StatusFailed, reason); err != nil {
					return err
				}
				*saga = sagaRow
				return nil
			}

			alreadyApplied := false
			wallet.Credit(&w, saga.Amount)
			_, insertErr := s.journal.Insert(ctx, tc.Tx, journal.NewEvent(saga.FromWalletID, journal.EventTransferCompensated, saga.Currency, &saga.Amount, legMetadata(saga.ID, "compensate", nil)))
			if insertErr != nil {
				var pqErr *pq.Error
				if errors.As(insertErr, &pqErr) && pqErr.Code == pqUniqueViolation {
					alreadyApplied = true
				} else {
					return insertErr
				}
			}
			if !alreadyApplied {
				if err := s.walletRepo.Update(ctx, tc.Tx, &w); err != nil {
					return err
				}
				tc.PublishEvent(coordinator.PendingEvent{
					AggregateID: saga.FromWalletID,
					EventType:   string(journal.EventTransferCompensated),
					Topic:       "wallet_events",
					Payload:     sagaEventPayload(saga, journal.EventTransferCompensated),
				})
			}

			if err := s.repo.UpdateStatus(ctx, tc.Tx, &sagaRow, StatusCompensated, cause.Error()); err != nil {
				return err
			}
			if err := s.repo.UpdateStatus(ctx, tc.Tx, &sagaRow, StatusFailed, cause.Error()); err != nil {
				return err
			}
			*saga = sagaRow
			return nil
		})
	})

	if runErr != nil {
		return Response{}, runErr
	}
	return Response{SagaID: saga.ID, Status: saga.Status}, cause
}

func (s *Service) storeFinalResponse(ctx context.Context, resp Response, requestID string) (Response, error) {
	if requestID == "" {
		return resp, nil
	}
	runErr := s.database.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return s.idem.Store(ctx, tx, requestID, resp)
	})
	if errors.Is(runErr, idempotency.ErrConcurrentWinner) {
		return resolveConcurrentWinner[Response](ctx, s.idem, requestID)
	}
	if runErr != nil {
		s.log.Warnf("transfer: failed to store idempotency record for %s after a successful transfer: %v", requestID, runErr)
	}
	return resp, nil
}

// Get returns the current state of a saga, for status polling.
func (s *Service) Get(ctx context.Context, sagaID string) (Response, error) {
	saga, found, err := s.repo.Get(ctx, sagaID)
	if err != nil {
		return Response{}, err
	}
	if !found {
		return Response{}, walleterr.Wrap(walleterr.KindBusiness, fmt.Sprintf("saga %s not found", sagaID), walleterr.ErrSagaNotFound)
	}
	return Response{SagaID: saga.ID, Status: saga.Status}, nil
}
