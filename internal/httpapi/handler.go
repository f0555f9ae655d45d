package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/kmassidik/walletd/internal/common/logger"
	"github.com/kmassidik/walletd/internal/transfer"
	"github.com/kmassidik/walletd/internal/wallet"
	"github.com/kmassidik/walletd/internal/walleterr"
)

// WalletService is the subset of wallet.Service the HTTP shell calls.
type WalletService interface {
	Deposit(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) (wallet.BalanceResponse, error)
	Withdraw(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) (wallet.BalanceResponse, error)
	Freeze(ctx context.Context, walletID string, requestID string) (wallet.StatusResponse, error)
	Unfreeze(ctx context.Context, walletID string, requestID string) (wallet.StatusResponse, error)
	Close(ctx context.Context, walletID string, requestID string) (wallet.StatusResponse, error)
	SetDailyWithdrawalLimit(ctx context.Context, walletID string, limit *decimal.Decimal, requestID string) (wallet.StatusResponse, error)
	GetBalance(ctx context.Context, db *sql.DB, walletID string) (wallet.BalanceResponse, error)
	GetHistory(ctx context.Context, walletID string, limit, offset int) ([]wallet.HistoryEntry, error)
	ListByOwner(ctx context.Context, db *sql.DB, ownerID string, limit, offset int) ([]wallet.Summary, error)
}

// TransferService is the subset of transfer.Service the HTTP shell calls.
type TransferService interface {
	Execute(ctx context.Context, fromWalletID, toWalletID string, amount decimal.Decimal, requestID string) (transfer.Response, error)
	Get(ctx context.Context, sagaID string) (transfer.Response, error)
}

// Handler wires the wallet and transfer services to net/http.
type Handler struct {
	wallet   WalletService
	transfer TransferService
	db       *sql.DB
	log      *logger.Logger
}

// NewHandler builds a Handler.
func NewHandler(walletSvc WalletService, transferSvc TransferService, db *sql.DB, log *logger.Logger) *Handler {
	return &Handler{wallet: walletSvc, transfer: transferSvc, db: db, log: log}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Warnf("httpapi: failed to encode response: %v", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	kind := walleterr.KindOf(err)
	status := statusFor(kind)
	h.respondJSON(w, status, ErrorEnvelope{
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    err.Error(),
		Type:       errorTypeFor(kind),
	})
}

func (h *Handler) badRequest(w http.ResponseWriter, message string) {
	h.respondJSON(w, http.StatusBadRequest, ErrorEnvelope{
		StatusCode: http.StatusBadRequest,
		Error:      http.StatusText(http.StatusBadRequest),
		Message:    message,
		Type:       "validation_error",
	})
}

func parseAmount(raw string) (decimal.Decimal, error) {
	return decimal.NewFromString(raw)
}

// requestID returns the client's idempotency key, carried in the
// X-Request-ID header rather than the request body.
func requestID(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}

// Deposit handles POST /v1/wallet/{id}/deposit.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	walletID := r.PathValue("id")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.badRequest(w, "amount must be a decimal string")
		return
	}

	resp, err := h.wallet.Deposit(r.Context(), walletID, amount, requestID(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// Withdraw handles POST /v1/wallet/{id}/withdraw.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	walletID := r.PathValue("id")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.badRequest(w, "amount must be a decimal string")
		return
	}

	resp, err := h.wallet.Withdraw(r.Context(), walletID, amount, requestID(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// Freeze handles POST /v1/wallet/{id}/freeze.
func (h *Handler) Freeze(w http.ResponseWriter, r *http.Request) {
	h.statusAction(w, r, h.wallet.Freeze)
}

// Unfreeze handles POST /v1/wallet/{id}/unfreeze.
func (h *Handler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	h.statusAction(w, r, h.wallet.Unfreeze)
}

// Close handles POST /v1/wallet/{id}/close.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	h.statusAction(w, r, h.wallet.Close)
}

func (h *Handler) statusAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, walletID, requestID string) (wallet.StatusResponse, error)) {
	walletID := r.PathValue("id")

	resp, err := action(r.Context(), walletID, requestID(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// SetDailyLimit handles POST /v1/wallet/{id}/daily-limit.
func (h *Handler) SetDailyLimit(w http.ResponseWriter, r *http.Request) {
	walletID := r.PathValue("id")

	var req DailyLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}

	var limit *decimal.Decimal
	if req.Limit != nil {
		amount, err := parseAmount(*req.Limit)
		if err != nil {
			h.badRequest(w, "limit must be a decimal string")
			return
		}
		limit = &amount
	}

	resp, err := h.wallet.SetDailyWithdrawalLimit(r.Context(), walletID, limit, requestID(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GetBalance handles GET /v1/wallet/{id}.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	walletID := r.PathValue("id")

	resp, err := h.wallet.GetBalance(r.Context(), h.db, walletID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GetHistory handles GET /v1/wallet/{id}/history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	walletID := r.PathValue("id")
	limit, offset := pagination(r)

	entries, err := h.wallet.GetHistory(r.Context(), walletID, limit, offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, entries)
}

// ListWallets handles GET /v1/wallets?ownerId=.
func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")
	if ownerID == "" {
		h.badRequest(w, "ownerId query parameter is required")
		return
	}
	limit, offset := pagination(r)

	summaries, err := h.wallet.ListByOwner(r.Context(), h.db, ownerID, limit, offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, summaries)
}

// Transfer handles POST /v1/wallet/{id}/transfer; {id} is the source wallet.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	fromWalletID := r.PathValue("id")

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.badRequest(w, "amount must be a decimal string")
		return
	}

	resp, err := h.transfer.Execute(r.Context(), fromWalletID, req.ToWalletID, amount, requestID(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GetTransfer handles GET /v1/transfer/{id}.
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	sagaID := r.PathValue("id")

	resp, err := h.transfer.Get(r.Context(), sagaID)
	if err != nil {
		if errors.Is(err, walleterr.ErrSagaNotFound) {
			h.respondError(w, err)
			return
		}
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
