package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
)

const walletColumns = `id::text, wallet_number, COALESCE(user_id, ''), COALESCE(admin_id, ''),
	balance, held, currency, daily_limit, monthly_limit, daily_spent, monthly_spent,
	spent_at, is_frozen, COALESCE(freeze_reason, ''), created_at, updated_at`

const transactionColumns = `id::text, transaction_number, wallet_id::text, direction, category,
	amount, fee, currency, status, COALESCE(payment_method, ''), COALESCE(provider, ''),
	COALESCE(external_id, ''), COALESCE(provider_reference, ''), COALESCE(provider_status, ''),
	COALESCE(counterparty_wallet_id::text, ''), COALESCE(voucher_id::text, ''),
	COALESCE(idempotency_key, ''), COALESCE(description, ''), metadata,
	COALESCE(failure_reason, ''), initiation_attempts, held, created_at, updated_at, processed_at`

const voucherColumns = `id::text, voucher_number, amount, currency, category, status,
	COALESCE(issuer_ref, ''), expires_at, COALESCE(redeemed_transaction_id::text, ''),
	created_at, updated_at`

// PostgresStore persists wallets, transactions and vouchers in PostgreSQL.
type PostgresStore struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore constructs a Postgres-backed store. A positive lockTimeout
// bounds how long a unit of work waits for a row lock.
func NewPostgresStore(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

// mapPgError translates Postgres failures into ledger errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
	case pgUniqueViolation:
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, pgErr.ConstraintName)
	case pgCheckViolation:
		if mapped := checkViolation(pgErr.ConstraintName); mapped != nil {
			return fmt.Errorf("%w: %s", mapped, pgErr.ConstraintName)
		}
	}
	return err
}

// checkViolation names the ledger error behind a failed CHECK constraint, or
// nil when the constraint guards something other than money.
func checkViolation(constraint string) error {
	switch constraint {
	case "wallets_balance_non_negative", "wallets_held_within_balance":
		return ErrInsufficientFunds
	case "transactions_amount_positive", "vouchers_amount_positive":
		return ErrInvalidAmount
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (Wallet, error) {
	var (
		w       Wallet
		userID  string
		adminID string
		spentAt *time.Time
	)
	err := row.Scan(&w.ID, &w.WalletNumber, &userID, &adminID,
		&w.Balance, &w.Held, &w.Currency, &w.DailyLimit, &w.MonthlyLimit, &w.DailySpent, &w.MonthlySpent,
		&spentAt, &w.Frozen, &w.FreezeReason, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	if userID != "" {
		w.Owner = Owner{Kind: OwnerUser, ID: userID}
	} else {
		w.Owner = Owner{Kind: OwnerAdmin, ID: adminID}
	}
	if spentAt != nil {
		w.SpentAt = *spentAt
	}
	return w, nil
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.Number, &t.WalletID, &t.Direction, &t.Category,
		&t.Amount, &t.Fee, &t.Currency, &t.Status, &t.PaymentMethod, &t.Provider,
		&t.ExternalID, &t.ProviderReference, &t.ProviderStatus,
		&t.CounterpartyWalletID, &t.VoucherID,
		&t.IdempotencyKey, &t.Description, &t.Metadata,
		&t.FailureReason, &t.InitiationAttempts, &t.Held, &t.CreatedAt, &t.UpdatedAt, &t.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}
	return t, nil
}

func scanVoucher(row rowScanner) (Voucher, error) {
	var v Voucher
	err := row.Scan(&v.ID, &v.Number, &v.Amount, &v.Currency, &v.Category, &v.Status,
		&v.IssuerRef, &v.ExpiresAt, &v.RedeemedTransactionID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Voucher{}, ErrVoucherNotFound
		}
		return Voucher{}, err
	}
	return v, nil
}

func scanTransactions(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// nullable turns empty strings into SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w Wallet) (Wallet, error) {
	if !w.Owner.Valid() {
		return Wallet{}, fmt.Errorf("invalid owner reference %q/%q", w.Owner.Kind, w.Owner.ID)
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.WalletNumber == "" {
		w.WalletNumber = NewWalletNumber(time.Now())
	}
	var userID, adminID string
	if w.Owner.Kind == OwnerUser {
		userID = w.Owner.ID
	} else {
		adminID = w.Owner.ID
	}

	row := s.db.QueryRow(ctx, `INSERT INTO wallets (id, wallet_number, user_id, admin_id, currency, daily_limit, monthly_limit)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING `+walletColumns,
		w.ID, w.WalletNumber, nullable(userID), nullable(adminID), w.Currency, w.DailyLimit, w.MonthlyLimit)
	created, err := scanWallet(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Wallet{}, fmt.Errorf("%w: %s", ErrWalletExists, pgErr.ConstraintName)
		}
		return Wallet{}, err
	}
	return created, nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, id string) (Wallet, error) {
	if uuid.Validate(id) != nil {
		return Wallet{}, ErrWalletNotFound
	}
	return scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
}

func (s *PostgresStore) GetWalletByOwner(ctx context.Context, owner Owner) (Wallet, error) {
	column := "user_id"
	if owner.Kind == OwnerAdmin {
		column = "admin_id"
	}
	return scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE `+column+` = $1`, owner.ID))
}

func (s *PostgresStore) GetWalletByNumber(ctx context.Context, number string) (Wallet, error) {
	return scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE wallet_number = $1`, number))
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	if uuid.Validate(id) != nil {
		return Transaction{}, ErrTransactionNotFound
	}
	return scanTransaction(s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

func (s *PostgresStore) GetTransactionByExternalID(ctx context.Context, externalID string) (Transaction, error) {
	if externalID == "" {
		return Transaction{}, ErrTransactionNotFound
	}
	return scanTransaction(s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE external_id = $1`, externalID))
}

func (s *PostgresStore) GetTransactionByIdempotencyKey(ctx context.Context, walletID, key string) (Transaction, error) {
	if key == "" || uuid.Validate(walletID) != nil {
		return Transaction{}, ErrTransactionNotFound
	}
	return scanTransaction(s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions
        WHERE wallet_id = $1 AND idempotency_key = $2`, walletID, key))
}

func (s *PostgresStore) ListTransactions(ctx context.Context, walletID string, filter TransactionFilter) ([]Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE wallet_id = $1`
	args := []any{walletID}
	add := func(clause string, value any) {
		args = append(args, value)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if filter.Direction != "" {
		add("direction", string(filter.Direction))
	}
	if filter.Category != "" {
		add("category", string(filter.Category))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, transaction_number DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (s *PostgresStore) ListUnresolved(ctx context.Context, createdBefore time.Time, limit int) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
        WHERE status IN ('pending', 'processing') AND provider IS NOT NULL AND created_at < $1
        ORDER BY created_at ASC
        LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (s *PostgresStore) CompletedSum(ctx context.Context, walletID string) (decimal.Decimal, error) {
	if _, err := s.GetWallet(ctx, walletID); err != nil {
		return decimal.Zero, err
	}
	var sum decimal.Decimal
	err := s.db.QueryRow(ctx, completedSumQuery, walletID).Scan(&sum)
	return sum, err
}

const completedSumQuery = `SELECT COALESCE(SUM(CASE WHEN direction = 'credit' THEN amount ELSE -amount END), 0)
        FROM transactions WHERE wallet_id = $1 AND status = 'completed'`

func (s *PostgresStore) CreateVoucher(ctx context.Context, v Voucher) (Voucher, error) {
	if !ValidAmount(v.Amount) {
		return Voucher{}, ErrInvalidAmount
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Number == "" {
		v.Number = NewVoucherNumber(time.Now())
	}
	row := s.db.QueryRow(ctx, `INSERT INTO vouchers (id, voucher_number, amount, currency, category, status, issuer_ref, expires_at)
        VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
        RETURNING `+voucherColumns,
		v.ID, v.Number, v.Amount, v.Currency, v.Category, nullable(v.IssuerRef), v.ExpiresAt)
	created, err := scanVoucher(row)
	if err != nil {
		return Voucher{}, mapPgError(err)
	}
	return created, nil
}

func (s *PostgresStore) GetVoucher(ctx context.Context, id string) (Voucher, error) {
	if uuid.Validate(id) != nil {
		return Voucher{}, ErrVoucherNotFound
	}
	return scanVoucher(s.db.QueryRow(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id = $1`, id))
}

func (s *PostgresStore) ExpireVouchers(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `UPDATE vouchers SET status = 'expired', updated_at = $1
        WHERE status = 'pending' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapPgError(err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return mapPgError(err)
		}
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockWallet(ctx context.Context, id string) (Wallet, error) {
	if uuid.Validate(id) != nil {
		return Wallet{}, ErrWalletNotFound
	}
	return scanWallet(t.tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) ApplyBalanceDelta(ctx context.Context, walletID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRow(ctx, `UPDATE wallets SET balance = balance + $2, updated_at = now()
        WHERE id = $1 AND balance + $2 >= held
        RETURNING balance`, walletID, delta).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, lookupErr := t.LockWallet(ctx, walletID); lookupErr != nil {
			return decimal.Zero, lookupErr
		}
		return decimal.Zero, ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Zero, mapPgError(err)
	}
	return balance, nil
}

func (t *pgTx) AdjustHeld(ctx context.Context, walletID string, delta decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE wallets SET held = held + $2, updated_at = now()
        WHERE id = $1 AND held + $2 >= 0 AND held + $2 <= balance`, walletID, delta)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		w, err := t.LockWallet(ctx, walletID)
		if err != nil {
			return err
		}
		if w.Held.Add(delta).IsNegative() {
			return fmt.Errorf("held amount would become %s", w.Held.Add(delta))
		}
		return ErrInsufficientFunds
	}
	return nil
}

func (t *pgTx) AddSpent(ctx context.Context, walletID string, amount decimal.Decimal) error {
	w, err := t.LockWallet(ctx, walletID)
	if err != nil {
		return err
	}
	now := time.Now()
	daily, monthly := rollSpent(w, now)
	_, err = t.tx.Exec(ctx, `UPDATE wallets SET daily_spent = $2, monthly_spent = $3, spent_at = $4, updated_at = $4
        WHERE id = $1`, walletID, daily.Add(amount), monthly.Add(amount), now)
	return mapPgError(err)
}

func (t *pgTx) SetFrozen(ctx context.Context, walletID string, frozen bool, reason string) error {
	if !frozen {
		reason = ""
	}
	tag, err := t.tx.Exec(ctx, `UPDATE wallets SET is_frozen = $2, freeze_reason = $3, updated_at = now()
        WHERE id = $1`, walletID, frozen, nullable(reason))
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (t *pgTx) RollingDebits(ctx context.Context, walletID string, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM transactions
        WHERE wallet_id = $1 AND direction = 'debit' AND created_at >= $2
          AND (status IN ('completed', 'processing') OR (status = 'pending' AND held))`,
		walletID, since).Scan(&sum)
	return sum, err
}

func (t *pgTx) CompletedSum(ctx context.Context, walletID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.tx.QueryRow(ctx, completedSumQuery, walletID).Scan(&sum)
	return sum, err
}

func (t *pgTx) CreateTransaction(ctx context.Context, draft Transaction) (Transaction, error) {
	if err := validateDraft(draft); err != nil {
		return Transaction{}, err
	}

	if draft.ExternalID != "" || draft.IdempotencyKey != "" {
		existing, err := t.existingTransaction(ctx, draft)
		if err == nil {
			return existing, ErrDuplicateTransaction
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return Transaction{}, err
		}
	}

	now := time.Now()
	if draft.Status == "" {
		draft.Status = StatusPending
	}
	if draft.Number == "" {
		draft.Number = NewTransactionNumber(now)
	}
	var processedAt *time.Time
	if draft.Status.Terminal() {
		processedAt = &now
	}
	metadata := draft.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	row := t.tx.QueryRow(ctx, `INSERT INTO transactions (id, transaction_number, wallet_id, direction, category,
            amount, fee, currency, status, payment_method, provider, external_id, provider_reference, provider_status,
            counterparty_wallet_id, voucher_id, idempotency_key, description, metadata, initiation_attempts, held,
            created_at, updated_at, processed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $22, $23)
        ON CONFLICT DO NOTHING
        RETURNING `+transactionColumns,
		uuid.NewString(), draft.Number, draft.WalletID, draft.Direction, draft.Category,
		draft.Amount, draft.Fee, draft.Currency, draft.Status, nullable(string(draft.PaymentMethod)), nullable(draft.Provider),
		nullable(draft.ExternalID), nullable(draft.ProviderReference), nullable(draft.ProviderStatus),
		nullable(draft.CounterpartyWalletID), nullable(draft.VoucherID), nullable(draft.IdempotencyKey),
		nullable(draft.Description), metadata, draft.InitiationAttempts, draft.Held, now, processedAt)
	created, err := scanTransaction(row)
	if errors.Is(err, ErrTransactionNotFound) {
		// A concurrent unit of work committed a row with one of our unique keys.
		return t.lostInsert(ctx, draft)
	}
	if err != nil {
		return Transaction{}, mapPgError(err)
	}
	return created, nil
}

const existingTransactionQuery = `SELECT ` + transactionColumns + ` FROM transactions
        WHERE (external_id IS NOT NULL AND external_id = $1)
           OR (idempotency_key IS NOT NULL AND wallet_id = $2 AND idempotency_key = $3)
        LIMIT 1`

func (t *pgTx) existingTransaction(ctx context.Context, draft Transaction) (Transaction, error) {
	return scanTransaction(t.tx.QueryRow(ctx, existingTransactionQuery,
		draft.ExternalID, draft.WalletID, draft.IdempotencyKey))
}

// lostInsert resolves an insert skipped by ON CONFLICT. The winning row is
// returned as a duplicate; a collision on any other unique column (number,
// voucher) surfaces as ErrConflict so the caller retries with fresh values.
func (t *pgTx) lostInsert(ctx context.Context, draft Transaction) (Transaction, error) {
	if draft.ExternalID != "" || draft.IdempotencyKey != "" {
		existing, err := t.existingTransaction(ctx, draft)
		if err == nil {
			return existing, ErrDuplicateTransaction
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return Transaction{}, err
		}
	}
	return Transaction{}, fmt.Errorf("%w: transaction %s collided", ErrConflict, draft.Number)
}

func (t *pgTx) LockTransaction(ctx context.Context, id string) (Transaction, error) {
	if uuid.Validate(id) != nil {
		return Transaction{}, ErrTransactionNotFound
	}
	return scanTransaction(t.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateTransactionStatus(ctx context.Context, id string, to Status, fields Fields) (Transaction, error) {
	current, err := t.LockTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if err := checkTransition(current.Status, to); err != nil {
		return current, err
	}
	current.Status = to
	return t.save(ctx, current, fields)
}

func (t *pgTx) UpdateTransactionFields(ctx context.Context, id string, fields Fields) (Transaction, error) {
	current, err := t.LockTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if current.Status.Terminal() {
		return current, fmt.Errorf("%s: %w", current.Status, ErrTransactionTerminal)
	}
	return t.save(ctx, current, fields)
}

func (t *pgTx) save(ctx context.Context, tr Transaction, fields Fields) (Transaction, error) {
	applyFields(&tr, fields, time.Now())
	row := t.tx.QueryRow(ctx, `UPDATE transactions SET status = $2, provider_reference = $3, provider_status = $4,
            failure_reason = $5, initiation_attempts = $6, held = $7, processed_at = $8, updated_at = $9
        WHERE id = $1
        RETURNING `+transactionColumns,
		tr.ID, tr.Status, nullable(tr.ProviderReference), nullable(tr.ProviderStatus), nullable(tr.FailureReason),
		tr.InitiationAttempts, tr.Held, tr.ProcessedAt, tr.UpdatedAt)
	updated, err := scanTransaction(row)
	if err != nil {
		return Transaction{}, mapPgError(err)
	}
	return updated, nil
}

func (t *pgTx) ClaimVoucher(ctx context.Context, id string, now time.Time) (Voucher, error) {
	if uuid.Validate(id) != nil {
		return Voucher{}, ErrVoucherNotFound
	}
	row := t.tx.QueryRow(ctx, `UPDATE vouchers SET status = 'used', updated_at = now()
        WHERE id = $1 AND status = 'pending' AND expires_at > $2
        RETURNING `+voucherColumns, id, now)
	v, err := scanVoucher(row)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrVoucherNotFound) {
		return Voucher{}, mapPgError(err)
	}
	current, err := scanVoucher(t.tx.QueryRow(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id = $1`, id))
	if err != nil {
		return Voucher{}, err
	}
	if err := claimable(current, now); err != nil {
		return current, err
	}
	return current, fmt.Errorf("voucher %s: %w", id, ErrConflict)
}

func (t *pgTx) ExpireVoucher(ctx context.Context, id string) error {
	_, err := t.tx.Exec(ctx, `UPDATE vouchers SET status = 'expired', updated_at = now()
        WHERE id = $1 AND status = 'pending'`, id)
	return mapPgError(err)
}

func (t *pgTx) BindVoucher(ctx context.Context, id, transactionID string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE vouchers SET redeemed_transaction_id = $2, updated_at = now()
        WHERE id = $1`, id, transactionID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVoucherNotFound
	}
	return nil
}
