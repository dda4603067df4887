package wallet

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

// ErrLedgerDrift reports a wallet whose balance differs from the sum of its
// completed transactions.
var ErrLedgerDrift = errors.New("wallet balance drifted from ledger")

const createAttempts = 3

// Defaults apply to wallets created without explicit settings.
type Defaults struct {
	Currency     string
	DailyLimit   decimal.Decimal
	MonthlyLimit decimal.Decimal
}

// Service exposes wallet operations backed by the ledger store.
type Service struct {
	store    ledger.Store
	guard    *guard.Guard
	notifier notification.Notifier
	logger   *slog.Logger
	defaults Defaults
}

// NewService builds a wallet service instance.
func NewService(store ledger.Store, g *guard.Guard, notifier notification.Notifier, logger *slog.Logger, defaults Defaults) *Service {
	if defaults.Currency == "" {
		defaults.Currency = "XAF"
	}
	return &Service{store: store, guard: g, notifier: notifier, logger: logger, defaults: defaults}
}

// CreateInput captures data required to create a wallet.
type CreateInput struct {
	Owner        ledger.Owner
	Currency     string
	DailyLimit   decimal.Decimal
	MonthlyLimit decimal.Decimal
}

// Balance is a point-in-time view of a wallet's funds.
type Balance struct {
	WalletID  string
	Balance   decimal.Decimal
	Held      decimal.Decimal
	Available decimal.Decimal
	Currency  string
	AsOf      time.Time
}

// AuditReport compares the stored balance with the completed transactions.
type AuditReport struct {
	WalletID   string
	Balance    decimal.Decimal
	LedgerSum  decimal.Decimal
	Consistent bool
	CheckedAt  time.Time
}

// Create provisions a wallet for the owner. An owner holds at most one wallet.
func (s *Service) Create(ctx context.Context, input CreateInput) (ledger.Wallet, error) {
	if !input.Owner.Valid() {
		return ledger.Wallet{}, fmt.Errorf("invalid owner reference")
	}
	w := ledger.Wallet{
		Owner:        input.Owner,
		Currency:     strings.ToUpper(input.Currency),
		DailyLimit:   input.DailyLimit,
		MonthlyLimit: input.MonthlyLimit,
	}
	if w.Currency == "" {
		w.Currency = s.defaults.Currency
	}
	if w.DailyLimit.IsZero() {
		w.DailyLimit = s.defaults.DailyLimit
	}
	if w.MonthlyLimit.IsZero() {
		w.MonthlyLimit = s.defaults.MonthlyLimit
	}
	if !ledger.ValidAmount(w.DailyLimit) || !ledger.ValidAmount(w.MonthlyLimit) {
		return ledger.Wallet{}, fmt.Errorf("%w: wallet limits", ledger.ErrInvalidAmount)
	}

	var err error
	for attempt := 0; attempt < createAttempts; attempt++ {
		var created ledger.Wallet
		created, err = s.store.CreateWallet(ctx, w)
		if err == nil {
			s.logger.Info("wallet created", "wallet_id", created.ID, "number", created.WalletNumber, "owner_kind", created.Owner.Kind)
			return created, nil
		}
		if !errors.Is(err, ledger.ErrWalletExists) {
			return ledger.Wallet{}, err
		}
		if _, lookupErr := s.store.GetWalletByOwner(ctx, input.Owner); lookupErr == nil {
			return ledger.Wallet{}, ledger.ErrWalletExists
		}
		// the generated number collided; the next call draws a fresh one
	}
	return ledger.Wallet{}, fmt.Errorf("allocate wallet number: %w", err)
}

// Get retrieves a wallet by id.
func (s *Service) Get(ctx context.Context, id string) (ledger.Wallet, error) {
	return s.store.GetWallet(ctx, id)
}

// GetByOwner retrieves the owner's wallet.
func (s *Service) GetByOwner(ctx context.Context, owner ledger.Owner) (ledger.Wallet, error) {
	return s.store.GetWalletByOwner(ctx, owner)
}

// GetByNumber retrieves a wallet by its public number.
func (s *Service) GetByNumber(ctx context.Context, number string) (ledger.Wallet, error) {
	return s.store.GetWalletByNumber(ctx, strings.ToUpper(strings.TrimSpace(number)))
}

// Balance returns the wallet balance split into held and available funds.
func (s *Service) Balance(ctx context.Context, id string) (Balance, error) {
	w, err := s.store.GetWallet(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		WalletID:  w.ID,
		Balance:   w.Balance,
		Held:      w.Held,
		Available: w.Available(),
		Currency:  w.Currency,
		AsOf:      s.guard.Now().UTC(),
	}, nil
}

// Freeze blocks debits from the wallet. Credits still land.
func (s *Service) Freeze(ctx context.Context, id, reason string) (ledger.Wallet, error) {
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "frozen by operator"
	}
	w, err := s.setFrozen(ctx, id, true, reason)
	if err != nil {
		return ledger.Wallet{}, err
	}
	s.logger.Warn("wallet frozen", "wallet_id", id, "reason", reason)
	if s.notifier != nil {
		msg := notification.Message{
			Kind:        notification.KindWalletFrozen,
			Destination: id,
			Body:        reason,
			WalletID:    id,
			OccurredAt:  s.guard.Now(),
		}
		if err := s.notifier.Send(ctx, msg); err != nil {
			s.logger.Warn("notification failed", "kind", msg.Kind, "wallet_id", id, "error", err)
		}
	}
	return w, nil
}

// Unfreeze lifts a freeze.
func (s *Service) Unfreeze(ctx context.Context, id string) (ledger.Wallet, error) {
	w, err := s.setFrozen(ctx, id, false, "")
	if err != nil {
		return ledger.Wallet{}, err
	}
	s.logger.Info("wallet unfrozen", "wallet_id", id)
	return w, nil
}

func (s *Service) setFrozen(ctx context.Context, id string, frozen bool, reason string) (ledger.Wallet, error) {
	var out ledger.Wallet
	err := s.guard.WithWalletLock(ctx, id, func(ctx context.Context, tx ledger.Tx, w *ledger.Wallet) error {
		if err := tx.SetFrozen(ctx, w.ID, frozen, reason); err != nil {
			return err
		}
		locked, err := tx.LockWallet(ctx, w.ID)
		out = locked
		return err
	})
	return out, err
}

// History lists the wallet's transactions, newest first.
func (s *Service) History(ctx context.Context, id string, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	if _, err := s.store.GetWallet(ctx, id); err != nil {
		return nil, err
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = 50
	case filter.Limit > 200:
		filter.Limit = 200
	}
	return s.store.ListTransactions(ctx, id, filter)
}

// Audit recomputes the signed sum of completed transactions and compares it
// with the stored balance. A mismatch is returned as ErrLedgerDrift together
// with the report.
func (s *Service) Audit(ctx context.Context, id string) (AuditReport, error) {
	var report AuditReport
	err := s.guard.WithWalletLock(ctx, id, func(ctx context.Context, tx ledger.Tx, w *ledger.Wallet) error {
		sum, err := tx.CompletedSum(ctx, w.ID)
		if err != nil {
			return err
		}
		report = AuditReport{
			WalletID:   w.ID,
			Balance:    w.Balance,
			LedgerSum:  sum,
			Consistent: w.Balance.Equal(sum),
			CheckedAt:  s.guard.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return AuditReport{}, err
	}
	if !report.Consistent {
		s.logger.Error("ledger drift detected", "wallet_id", id, "balance", report.Balance.String(), "ledger_sum", report.LedgerSum.String())
		return report, fmt.Errorf("%w: balance %s, ledger %s", ErrLedgerDrift, report.Balance.StringFixed(2), report.LedgerSum.StringFixed(2))
	}
	return report, nil
}
