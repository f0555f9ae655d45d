package wallet

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidateAmountRejectsNonPositive(t *testing.T) {
	cases := []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-1)}
	for _, amount := range cases {
		if err := ValidateAmount(amount); err == nil {
			t.Errorf("expected error for amount %s", amount)
		}
	}
}

func TestValidateAmountRejectsExcessScale(t *testing.T) {
	amount := decimal.RequireFromString("10.001")
	if err := ValidateAmount(amount); err == nil {
		t.Error("expected error for amount with more than 2 decimal places")
	}
}

func TestValidateAmountAcceptsWellFormed(t *testing.T) {
	amount := decimal.RequireFromString("10.50")
	if err := ValidateAmount(amount); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateCurrencyAllowsEmpty(t *testing.T) {
	if err := ValidateCurrency(""); err != nil {
		t.Errorf("unexpected error for empty currency: %v", err)
	}
}

func TestValidateCurrencyRejectsWrongLength(t *testing.T) {
	if err := ValidateCurrency("US"); err == nil {
		t.Error("expected error for 2-letter currency")
	}
}

func TestValidateCurrencyRejectsLowercase(t *testing.T) {
	if err := ValidateCurrency("usd"); err == nil {
		t.Error("expected error for lowercase currency")
	}
}

func TestValidateCurrencyAcceptsWellFormed(t *testing.T) {
	if err := ValidateCurrency("USD"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
