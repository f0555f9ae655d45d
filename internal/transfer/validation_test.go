package transfer

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kmassidik/walletd/internal/walleterr"
)

func TestValidateRejectsSameWallet(t *testing.T) {
	err := Validate("wallet-1", "wallet-1", decimal.NewFromInt(10))
	if !errors.Is(err, walleterr.ErrSameWallet) {
		t.Fatalf("expected ErrSameWallet, got %v", err)
	}
}

func TestValidateRejectsNonPositiveAmount(t *testing.T) {
	err := Validate("wallet-1", "wallet-2", decimal.Zero)
	if !errors.Is(err, walleterr.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestValidateAcceptsWellFormedTransfer(t *testing.T) {
	if err := Validate("wallet-1", "wallet-2", decimal.NewFromFloat(12.50)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
