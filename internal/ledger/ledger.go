package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds occurs when the wallet lacks available balance
	// to cover a requested debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateTransaction indicates the external id or idempotency key
	// already exists and therefore the operation should be treated as idempotent.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	ErrLimitExceeded       = errors.New("spending limit exceeded")
	ErrWalletFrozen        = errors.New("wallet is frozen")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletExists        = errors.New("wallet already exists")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrVoucherNotFound     = errors.New("voucher not found")
	ErrVoucherExpired      = errors.New("voucher expired")
	ErrVoucherAlreadyUsed  = errors.New("voucher already used")
	ErrInvalidAmount       = errors.New("amount must be positive with at most two decimal places")

	// ErrInvalidTransition is returned when a status change is not allowed by
	// the transaction state table.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTransactionTerminal is returned when a completed, failed or cancelled
	// transaction would be modified.
	ErrTransactionTerminal = errors.New("transaction is terminal")

	// ErrConflict reports a serialization failure, deadlock or lock timeout.
	// The whole unit of work may be retried.
	ErrConflict = errors.New("ledger write conflict")
)

// Store exposes non-locking reads and the unit of work used for every write.
type Store interface {
	CreateWallet(ctx context.Context, w Wallet) (Wallet, error)
	GetWallet(ctx context.Context, id string) (Wallet, error)
	GetWalletByOwner(ctx context.Context, owner Owner) (Wallet, error)
	GetWalletByNumber(ctx context.Context, number string) (Wallet, error)

	GetTransaction(ctx context.Context, id string) (Transaction, error)
	GetTransactionByExternalID(ctx context.Context, externalID string) (Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, walletID, key string) (Transaction, error)
	ListTransactions(ctx context.Context, walletID string, filter TransactionFilter) ([]Transaction, error)
	// ListUnresolved returns pending or processing transactions bound to a
	// provider and created before the given time, oldest first.
	ListUnresolved(ctx context.Context, createdBefore time.Time, limit int) ([]Transaction, error)
	// CompletedSum returns the signed sum of completed transactions.
	CompletedSum(ctx context.Context, walletID string) (decimal.Decimal, error)

	CreateVoucher(ctx context.Context, v Voucher) (Voucher, error)
	GetVoucher(ctx context.Context, id string) (Voucher, error)
	// ExpireVouchers flips every pending voucher past its expiry to expired.
	ExpireVouchers(ctx context.Context, now time.Time) (int, error)

	// WithinTx runs fn in a single atomic unit: every write made through tx
	// lands, or none does.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write surface of a unit of work. Wallet rows returned by
// LockWallet stay locked until the unit ends.
type Tx interface {
	LockWallet(ctx context.Context, id string) (Wallet, error)
	// ApplyBalanceDelta adds a signed delta and returns the new balance.
	// A result below zero or below the held amount is rejected.
	ApplyBalanceDelta(ctx context.Context, walletID string, delta decimal.Decimal) (decimal.Decimal, error)
	AdjustHeld(ctx context.Context, walletID string, delta decimal.Decimal) error
	AddSpent(ctx context.Context, walletID string, amount decimal.Decimal) error
	SetFrozen(ctx context.Context, walletID string, frozen bool, reason string) error
	// RollingDebits sums debits created at or after since that are completed,
	// processing, or pending with funds held.
	RollingDebits(ctx context.Context, walletID string, since time.Time) (decimal.Decimal, error)
	CompletedSum(ctx context.Context, walletID string) (decimal.Decimal, error)

	CreateTransaction(ctx context.Context, draft Transaction) (Transaction, error)
	LockTransaction(ctx context.Context, id string) (Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, to Status, fields Fields) (Transaction, error)
	// UpdateTransactionFields changes attributes of a non-terminal
	// transaction without moving its status.
	UpdateTransactionFields(ctx context.Context, id string, fields Fields) (Transaction, error)

	// ClaimVoucher moves a voucher from pending to used when it has not
	// expired at now. Only one concurrent claim can win.
	ClaimVoucher(ctx context.Context, id string, now time.Time) (Voucher, error)
	ExpireVoucher(ctx context.Context, id string) error
	BindVoucher(ctx context.Context, id, transactionID string) error
}
