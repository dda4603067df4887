package voucher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletcore/internal/guard"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/notification"
)

// ErrCurrencyMismatch is returned when a voucher is redeemed from a wallet
// held in another currency.
var ErrCurrencyMismatch = errors.New("voucher currency does not match wallet")

const DefaultTTL = 24 * time.Hour

// IssueInput describes a voucher to create. Zero TTL and empty currency fall
// back to the registry defaults.
type IssueInput struct {
	Amount    decimal.Decimal
	Category  ledger.Category
	TTL       time.Duration
	IssuerRef string
	Currency  string
}

// Registry issues single-use QR vouchers and redeems them into wallet debits.
type Registry struct {
	store    ledger.Store
	guard    *guard.Guard
	notifier notification.Notifier
	logger   *slog.Logger
	ttl      time.Duration
	currency string
}

func NewRegistry(store ledger.Store, g *guard.Guard, notifier notification.Notifier, logger *slog.Logger, ttl time.Duration, currency string) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if currency == "" {
		currency = "XAF"
	}
	return &Registry{store: store, guard: g, notifier: notifier, logger: logger, ttl: ttl, currency: currency}
}

// Issue creates a pending voucher expiring TTL from now.
func (r *Registry) Issue(ctx context.Context, in IssueInput) (ledger.Voucher, error) {
	if !ledger.ValidAmount(in.Amount) {
		return ledger.Voucher{}, ledger.ErrInvalidAmount
	}
	if in.Category == "" {
		in.Category = ledger.CategoryPayment
	}
	if !in.Category.Valid() {
		return ledger.Voucher{}, fmt.Errorf("invalid category %q", in.Category)
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = r.ttl
	}
	currency := strings.ToUpper(in.Currency)
	if currency == "" {
		currency = r.currency
	}
	v, err := r.store.CreateVoucher(ctx, ledger.Voucher{
		Amount:    in.Amount,
		Currency:  currency,
		Category:  in.Category,
		IssuerRef: in.IssuerRef,
		ExpiresAt: r.guard.Now().Add(ttl),
	})
	if err != nil {
		return ledger.Voucher{}, fmt.Errorf("create voucher: %w", err)
	}
	r.logger.Info("voucher issued", "voucher_id", v.ID, "number", v.Number, "amount", v.Amount.String(), "expires_at", v.ExpiresAt)
	return v, nil
}

func (r *Registry) Get(ctx context.Context, id string) (ledger.Voucher, error) {
	return r.store.GetVoucher(ctx, id)
}

// Redeem claims the voucher and debits the payer wallet in one unit of work.
// At most one concurrent redemption succeeds; the others get
// ledger.ErrVoucherAlreadyUsed. An expired voucher is marked expired and the
// wallet is left untouched.
func (r *Registry) Redeem(ctx context.Context, voucherID, payerWalletID string) (ledger.Transaction, error) {
	var (
		created ledger.Transaction
		claimed ledger.Voucher
	)
	now := r.guard.Now()
	err := r.guard.WithWalletLock(ctx, payerWalletID, func(ctx context.Context, tx ledger.Tx, w *ledger.Wallet) error {
		v, err := tx.ClaimVoucher(ctx, voucherID, now)
		if err != nil {
			return err
		}
		if v.Currency != "" && v.Currency != w.Currency {
			return fmt.Errorf("%w: voucher %s, wallet %s", ErrCurrencyMismatch, v.Currency, w.Currency)
		}
		if err := r.guard.CanSpend(ctx, tx, *w, v.Amount); err != nil {
			return err
		}
		if _, err := tx.ApplyBalanceDelta(ctx, w.ID, v.Amount.Neg()); err != nil {
			return err
		}
		if err := tx.AddSpent(ctx, w.ID, v.Amount); err != nil {
			return err
		}
		created, err = tx.CreateTransaction(ctx, ledger.Transaction{
			WalletID:      w.ID,
			Direction:     ledger.Debit,
			Category:      v.Category,
			Amount:        v.Amount,
			Currency:      w.Currency,
			Status:        ledger.StatusCompleted,
			PaymentMethod: ledger.MethodQRCode,
			VoucherID:     v.ID,
			Description:   "QR payment " + v.Number,
			Metadata:      map[string]any{"voucher_number": v.Number, "issuer_ref": v.IssuerRef},
		})
		if err != nil {
			return err
		}
		claimed = v
		return tx.BindVoucher(ctx, v.ID, created.ID)
	})
	if errors.Is(err, ledger.ErrVoucherExpired) {
		r.expire(ctx, voucherID)
		return ledger.Transaction{}, err
	}
	if err != nil {
		return ledger.Transaction{}, err
	}

	r.logger.Info("voucher redeemed", "voucher_id", claimed.ID, "transaction_id", created.ID, "wallet_id", payerWalletID)
	if r.notifier != nil {
		msg := notification.Message{
			Kind:          notification.KindVoucherRedeemed,
			Destination:   payerWalletID,
			Body:          "QR payment of " + created.Amount.StringFixed(2) + " " + created.Currency,
			WalletID:      payerWalletID,
			TransactionID: created.ID,
			Amount:        created.Amount.StringFixed(2),
			Currency:      created.Currency,
			OccurredAt:    now,
		}
		if err := r.notifier.Send(ctx, msg); err != nil {
			r.logger.Warn("notification failed", "kind", msg.Kind, "transaction_id", created.ID, "error", err)
		}
	}
	return created, nil
}

// expire flips the voucher in its own unit so the failed redemption's
// rollback does not undo it.
func (r *Registry) expire(ctx context.Context, id string) {
	err := r.store.WithinTx(ctx, func(tx ledger.Tx) error {
		return tx.ExpireVoucher(ctx, id)
	})
	if err != nil {
		r.logger.Warn("could not mark voucher expired", "voucher_id", id, "error", err)
	}
}
