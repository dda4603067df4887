package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// SeedBalance is a test helper that credits a wallet through a completed bonus
// transaction, so the balance stays equal to the sum of completed entries.
func SeedBalance(ctx context.Context, s Store, walletID string, amount decimal.Decimal) error {
	return s.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx, walletID)
		if err != nil {
			return err
		}
		if _, err := tx.CreateTransaction(ctx, Transaction{
			WalletID:      walletID,
			Direction:     Credit,
			Category:      CategoryBonus,
			Amount:        amount,
			Currency:      w.Currency,
			Status:        StatusCompleted,
			PaymentMethod: MethodWallet,
			Description:   "seed",
		}); err != nil {
			return err
		}
		_, err = tx.ApplyBalanceDelta(ctx, walletID, amount)
		return err
	})
}
