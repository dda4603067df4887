package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletcore/internal/guard"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/notification"
)

// Outcome reports what a lifecycle operation did.
type Outcome struct {
	Transaction ledger.Transaction
	// Applied is false when the transaction had already reached the
	// requested state or a terminal one, and nothing changed.
	Applied bool
	// Balance is the wallet balance after the operation.
	Balance decimal.Decimal
}

// Resolution carries what the provider said about a transaction.
type Resolution struct {
	ProviderReference string
	ProviderStatus    string
}

// Machine drives transactions through their lifecycle. Every step runs under
// the Balance Guard so status and balance change together.
type Machine struct {
	store    ledger.Store
	guard    *guard.Guard
	notifier notification.Notifier
	logger   *slog.Logger
}

func NewMachine(store ledger.Store, g *guard.Guard, notifier notification.Notifier, logger *slog.Logger) *Machine {
	return &Machine{store: store, guard: g, notifier: notifier, logger: logger}
}

// Open records a pending transaction that moves no funds yet. A duplicate
// external id or idempotency key returns the stored transaction together with
// ledger.ErrDuplicateTransaction.
func (m *Machine) Open(ctx context.Context, draft ledger.Transaction) (ledger.Transaction, error) {
	var (
		created  ledger.Transaction
		existing ledger.Transaction
	)
	err := m.guard.WithWalletLock(ctx, draft.WalletID, func(ctx context.Context, tx ledger.Tx, w *ledger.Wallet) error {
		draft.Currency = w.Currency
		var err error
		created, err = tx.CreateTransaction(ctx, draft)
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			existing = created
		}
		return err
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		return existing, err
	}
	return created, err
}

// OpenHold checks the spending rules, reserves the amount on the wallet and
// records a pending debit holding it.
func (m *Machine) OpenHold(ctx context.Context, draft ledger.Transaction) (ledger.Transaction, error) {
	if draft.Direction != ledger.Debit {
		return ledger.Transaction{}, fmt.Errorf("hold requires a debit, got %s", draft.Direction)
	}
	var (
		created  ledger.Transaction
		existing ledger.Transaction
	)
	err := m.guard.WithWalletLock(ctx, draft.WalletID, func(ctx context.Context, tx ledger.Tx, w *ledger.Wallet) error {
		if err := m.guard.CanSpend(ctx, tx, *w, draft.Amount); err != nil {
			return err
		}
		if err := tx.AdjustHeld(ctx, w.ID, draft.Amount); err != nil {
			return err
		}
		draft.Currency = w.Currency
		draft.Held = true
		var err error
		created, err = tx.CreateTransaction(ctx, draft)
		if errors.Is(err, ledger.ErrDuplicateTransaction) {
			existing = created
		}
		return err
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		return existing, err
	}
	return created, err
}

// MarkProcessing records that the provider accepted the transaction. It is
// idempotent for processing transactions and a no-op for terminal ones. A
// pending transaction only moves once the provider has handed out a
// reference; until then the provider status is stored and it stays pending.
func (m *Machine) MarkProcessing(ctx context.Context, id string, res Resolution) (Outcome, error) {
	return m.step(ctx, id, func(ctx context.Context, tx ledger.Tx, t ledger.Transaction, _ *ledger.Wallet) (ledger.Transaction, bool, error) {
		fields := ledger.Fields{ProviderReference: res.ProviderReference, ProviderStatus: res.ProviderStatus}
		if t.Status == ledger.StatusProcessing || (t.Status == ledger.StatusPending && res.ProviderReference == "") {
			updated, err := tx.UpdateTransactionFields(ctx, id, fields)
			return updated, false, err
		}
		updated, err := tx.UpdateTransactionStatus(ctx, id, ledger.StatusProcessing, fields)
		return updated, err == nil, err
	})
}

// RecordAttempt counts a provider initiation attempt that did not reach the
// provider. Only unacknowledged transactions are touched.
func (m *Machine) RecordAttempt(ctx context.Context, id string, cause error) (Outcome, error) {
	return m.step(ctx, id, func(ctx context.Context, tx ledger.Tx, t ledger.Transaction, _ *ledger.Wallet) (ledger.Transaction, bool, error) {
		if !t.Unacknowledged() {
			return t, false, nil
		}
		m.logger.Warn("provider initiation attempt failed", "transaction_id", id, "attempt", t.InitiationAttempts+1, "error", cause)
		updated, err := tx.UpdateTransactionFields(ctx, id, ledger.Fields{AddAttempt: true})
		return updated, err == nil, err
	})
}

// Observe stores a non-terminal provider status without moving the platform
// status.
func (m *Machine) Observe(ctx context.Context, id string, res Resolution) (Outcome, error) {
	return m.step(ctx, id, func(ctx context.Context, tx ledger.Tx, t ledger.Transaction, _ *ledger.Wallet) (ledger.Transaction, bool, error) {
		updated, err := tx.UpdateTransactionFields(ctx, id, ledger.Fields{
			ProviderReference: res.ProviderReference,
			ProviderStatus:    res.ProviderStatus,
		})
		return updated, err == nil, err
	})
}

// Complete applies the balance effect of the transaction and marks it
// completed in the same unit of work.
func (m *Machine) Complete(ctx context.Context, id string, res Resolution) (Outcome, error) {
	out, err := m.step(ctx, id, func(ctx context.Context, tx ledger.Tx, t ledger.Transaction, w *ledger.Wallet) (ledger.Transaction, bool, error) {
		switch {
		case t.Direction == ledger.Credit:
			if _, err := tx.ApplyBalanceDelta(ctx, w.ID, t.Amount); err != nil {
				return t, false, err
			}
		case t.Held:
			if err := tx.AdjustHeld(ctx, w.ID, t.Amount.Neg()); err != nil {
				return t, false, err
			}
			if _, err := tx.ApplyBalanceDelta(ctx, w.ID, t.Amount.Neg()); err != nil {
				return t, false, err
			}
			if err := tx.AddSpent(ctx, w.ID, t.Amount); err != nil {
				return t, false, err
			}
		default:
			if _, err := tx.ApplyBalanceDelta(ctx, w.ID, t.Amount.Neg()); err != nil {
				return t, false, err
			}
			if err := tx.AddSpent(ctx, w.ID, t.Amount); err != nil {
				return t, false, err
			}
		}
		updated, err := tx.UpdateTransactionStatus(ctx, id, ledger.StatusCompleted, ledger.Fields{
			ProviderReference: res.ProviderReference,
			ProviderStatus:    res.ProviderStatus,
			ReleaseHold:       t.Held,
			ProcessedAt:       m.guard.Now(),
		})
		return updated, err == nil, err
	})
	if err == nil && out.Applied {
		m.notify(ctx, notification.KindTransactionCompleted, out.Transaction, "transaction completed")
	}
	return out, err
}

// Fail releases any hold and marks the transaction failed with reason.
func (m *Machine) Fail(ctx context.Context, id, reason string, res Resolution) (Outcome, error) {
	out, err := m.finish(ctx, id, ledger.StatusFailed, reason, res)
	if err == nil && out.Applied {
		m.notify(ctx, notification.KindTransactionFailed, out.Transaction, reason)
	}
	return out, err
}

// Cancel releases any hold and marks the transaction cancelled with reason.
func (m *Machine) Cancel(ctx context.Context, id, reason string, res Resolution) (Outcome, error) {
	out, err := m.finish(ctx, id, ledger.StatusCancelled, reason, res)
	if err == nil && out.Applied {
		m.notify(ctx, notification.KindTransactionCancelled, out.Transaction, reason)
	}
	return out, err
}

func (m *Machine) finish(ctx context.Context, id string, to ledger.Status, reason string, res Resolution) (Outcome, error) {
	if reason == "" {
		reason = string(to)
	}
	return m.step(ctx, id, func(ctx context.Context, tx ledger.Tx, t ledger.Transaction, w *ledger.Wallet) (ledger.Transaction, bool, error) {
		if t.Held {
			if err := tx.AdjustHeld(ctx, w.ID, t.Amount.Neg()); err != nil {
				return t, false, err
			}
		}
		updated, err := tx.UpdateTransactionStatus(ctx, id, to, ledger.Fields{
			ProviderReference: res.ProviderReference,
			ProviderStatus:    res.ProviderStatus,
			FailureReason:     reason,
			ReleaseHold:       t.Held,
			ProcessedAt:       m.guard.Now(),
		})
		return updated, err == nil, err
	})
}

type stepFunc func(ctx context.Context, tx ledger.Tx, t ledger.Transaction, w *ledger.Wallet) (ledger.Transaction, bool, error)

// step locks the transaction's wallet and row, skips terminal rows and runs fn.
func (m *Machine) step(ctx context.Context, id string, fn stepFunc) (Outcome, error) {
	current, err := m.store.GetTransaction(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	var out Outcome
	err = m.guard.WithWalletLock(ctx, current.WalletID, func(ctx context.Context, tx ledger.Tx, w *ledger.Wallet) error {
		t, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		out = Outcome{Transaction: t, Balance: w.Balance}
		if t.Status.Terminal() {
			return nil
		}
		updated, applied, err := fn(ctx, tx, t, w)
		if err != nil {
			return err
		}
		out.Transaction = updated
		out.Applied = applied
		locked, err := tx.LockWallet(ctx, w.ID)
		if err != nil {
			return err
		}
		out.Balance = locked.Balance
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (m *Machine) notify(ctx context.Context, kind string, t ledger.Transaction, body string) {
	if m.notifier == nil {
		return
	}
	msg := notification.Message{
		Kind:          kind,
		Destination:   t.WalletID,
		Body:          body,
		WalletID:      t.WalletID,
		TransactionID: t.ID,
		Amount:        t.Amount.StringFixed(2),
		Currency:      t.Currency,
		OccurredAt:    m.guard.Now(),
	}
	if err := m.notifier.Send(ctx, msg); err != nil {
		m.logger.Warn("notification failed", "kind", kind, "transaction_id", t.ID, "error", err)
	}
}
