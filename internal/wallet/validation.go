package wallet

import (
	"github.com/shopspring/decimal"

	"github.com/kmassidik/walletd/internal/walleterr"
)

// maxAmountScale is the number of decimal places wallets store balances at
// (spec §3: "fixed-point decimal, scale 2").
const maxAmountScale = 2

// ValidateAmount checks that amount is strictly positive and representable
// at the wallet's fixed scale.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return walleterr.Wrap(walleterr.KindValidation, "amount must be strictly positive", walleterr.ErrInvalidAmount)
	}
	if amount.Exponent() < -maxAmountScale {
		return walleterr.Wrap(walleterr.KindValidation, "amount must have at most 2 decimal places", walleterr.ErrInvalidAmount)
	}
	return nil
}

// ValidateCurrency checks a 3-letter ISO currency code. Empty is allowed
// when the caller intends to inherit a currency (e.g. from an existing
// wallet); callers that require one check for "" themselves.
func ValidateCurrency(currency string) error {
	if currency == "" {
		return nil
	}
	if len(currency) != 3 {
		return walleterr.New(walleterr.KindValidation, "currency must be a 3-letter ISO code")
	}
	for _, c := range currency {
		if c < 'A' || c > 'Z' {
			return walleterr.New(walleterr.KindValidation, "currency must be an uppercase 3-letter ISO code")
		}
	}
	return nil
}
