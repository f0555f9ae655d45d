package transfer

import (
	"github.com/shopspring/decimal"

	"github.com/kmassidik/walletd/internal/wallet"
	"github.com/kmassidik/walletd/internal/walleterr"
)

// Validate checks the transfer request itself, independent of wallet
// state (which the saga checks once it holds the row locks).
func Validate(fromWalletID, toWalletID string, amount decimal.Decimal) error {
	if fromWalletID == toWalletID {
		return walleterr.Wrap(walleterr.KindValidation, "source and destination wallet must differ", walleterr.ErrSameWallet)
	}
	return wallet.ValidateAmount(amount)
}
