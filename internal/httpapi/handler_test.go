package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kmassidik/walletd/internal/common/logger"
	"github.com/kmassidik/walletd/internal/transfer"
	"github.com/kmassidik/walletd/internal/wallet"
	"github.com/kmassidik/walletd/internal/walleterr"
)

type fakeWalletService struct {
	depositErr    error
	balance       wallet.BalanceResponse
	lastRequestID string
}

func (f *fakeWalletService) Deposit(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) (wallet.BalanceResponse, error) {
	f.lastRequestID = requestID
	if f.depositErr != nil {
		return wallet.BalanceResponse{}, f.depositErr
	}
	return wallet.BalanceResponse{WalletID: walletID, Balance: amount}, nil
}
func (f *fakeWalletService) Withdraw(ctx context.Context, walletID string, amount decimal.Decimal, requestID string) (wallet.BalanceResponse, error) {
	return wallet.BalanceResponse{}, nil
}
func (f *fakeWalletService) Freeze(ctx context.Context, walletID, requestID string) (wallet.StatusResponse, error) {
	return wallet.StatusResponse{WalletID: walletID, Status: wallet.StatusFrozen}, nil
}
func (f *fakeWalletService) Unfreeze(ctx context.Context, walletID, requestID string) (wallet.StatusResponse, error) {
	return wallet.StatusResponse{WalletID: walletID, Status: wallet.StatusActive}, nil
}
func (f *fakeWalletService) Close(ctx context.Context, walletID, requestID string) (wallet.StatusResponse, error) {
	return wallet.StatusResponse{WalletID: walletID, Status: wallet.StatusClosed}, nil
}
func (f *fakeWalletService) SetDailyWithdrawalLimit(ctx context.Context, walletID string, limit *decimal.Decimal, requestID string) (wallet.StatusResponse, error) {
	return wallet.StatusResponse{WalletID: walletID, Status: wallet.StatusActive}, nil
}
func (f *fakeWalletService) GetBalance(ctx context.Context, db *sql.DB, walletID string) (wallet.BalanceResponse, error) {
	return f.balance, nil
}
func (f *fakeWalletService) GetHistory(ctx context.Context, walletID string, limit, offset int) ([]wallet.HistoryEntry, error) {
	return nil, nil
}
func (f *fakeWalletService) ListByOwner(ctx context.Context, db *sql.DB, ownerID string, limit, offset int) ([]wallet.Summary, error) {
	return nil, nil
}

type fakeTransferService struct {
	lastFromWalletID string
	lastRequestID    string
}

func (f *fakeTransferService) Execute(ctx context.Context, fromWalletID, toWalletID string, amount decimal.Decimal, requestID string) (transfer.Response, error) {
	f.lastFromWalletID = fromWalletID
	f.lastRequestID = requestID
	return transfer.Response{SagaID: "saga-1", Status: transfer.StatusCompleted}, nil
}
func (f *fakeTransferService) Get(ctx context.Context, sagaID string) (transfer.Response, error) {
	return transfer.Response{}, walleterr.Wrap(walleterr.KindBusiness, "not found", walleterr.ErrSagaNotFound)
}

func newTestHandler(wallet *fakeWalletService) *Handler {
	return NewHandler(wallet, &fakeTransferService{}, nil, logger.New("test"))
}

func TestDepositReturnsBalance(t *testing.T) {
	h := newTestHandler(&fakeWalletService{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/wallet/{id}/deposit", h.Deposit)

	body, _ := json.Marshal(AmountRequest{Amount: "10.00"})
	req := httptest.NewRequest(http.MethodPost, "/v1/wallet/wallet-1/deposit", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp wallet.BalanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.WalletID != "wallet-1" {
		t.Errorf("expected wallet-1, got %s", resp.WalletID)
	}
}

func TestDepositRejectsMalformedAmount(t *testing.T) {
	h := newTestHandler(&fakeWalletService{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/wallet/{id}/deposit", h.Deposit)

	body, _ := json.Marshal(AmountRequest{Amount: "not-a-number"})
	req := httptest.NewRequest(http.MethodPost, "/v1/wallet/wallet-1/deposit", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDepositMapsBusinessErrorTo422(t *testing.T) {
	h := newTestHandler(&fakeWalletService{
		depositErr: walleterr.Wrap(walleterr.KindBusiness, "wallet is frozen", walleterr.ErrWalletNotActive),
	})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/wallet/{id}/deposit", h.Deposit)

	body, _ := json.Marshal(AmountRequest{Amount: "5.00"})
	req := httptest.NewRequest(http.MethodPost, "/v1/wallet/wallet-1/deposit", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	var envelope ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Type != "business_rule_violation" {
		t.Errorf("expected business_rule_violation, got %s", envelope.Type)
	}
}

func TestDepositReadsRequestIDFromHeader(t *testing.T) {
	fake := &fakeWalletService{}
	h := newTestHandler(fake)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/wallet/{id}/deposit", h.Deposit)

	body, _ := json.Marshal(AmountRequest{Amount: "10.00"})
	req := httptest.NewRequest(http.MethodPost, "/v1/wallet/wallet-1/deposit", bytes.NewReader(body))
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if fake.lastRequestID != "req-123" {
		t.Errorf("expected request ID req-123, got %q", fake.lastRequestID)
	}
}

func TestTransferTakesSourceWalletFromPath(t *testing.T) {
	transferFake := &fakeTransferService{}
	h := NewHandler(&fakeWalletService{}, transferFake, nil, logger.New("test"))
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/wallet/{id}/transfer", h.Transfer)

	body, _ := json.Marshal(TransferRequest{ToWalletID: "wallet-2", Amount: "25.00"})
	req := httptest.NewRequest(http.MethodPost, "/v1/wallet/wallet-1/transfer", bytes.NewReader(body))
	req.Header.Set("X-Request-ID", "req-456")
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if transferFake.lastFromWalletID != "wallet-1" {
		t.Errorf("expected source wallet from path wallet-1, got %q", transferFake.lastFromWalletID)
	}
	if transferFake.lastRequestID != "req-456" {
		t.Errorf("expected request ID req-456, got %q", transferFake.lastRequestID)
	}
}

func TestGetTransferNotFoundMapsTo422(t *testing.T) {
	h := newTestHandler(&fakeWalletService{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/transfer/{id}", h.GetTransfer)

	req := httptest.NewRequest(http.MethodGet, "/v1/transfer/missing-saga", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}
