package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps the ledger in process memory. A unit of work runs on a
// private copy of the state under the store mutex and replaces the state on
// success, so a failed unit leaves nothing behind. Code running inside
// WithinTx must use the Tx it is given and never call back into the store.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
	clock func() time.Time
}

type memState struct {
	wallets      map[string]Wallet
	transactions map[string]Transaction
	vouchers     map[string]Voucher
}

// NewMemoryStore creates a concurrency-safe in-memory store useful for unit
// tests and local development.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			wallets:      make(map[string]Wallet),
			transactions: make(map[string]Transaction),
			vouchers:     make(map[string]Voucher),
		},
		clock: time.Now,
	}
}

// SetClock replaces the time source used for timestamps.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (st memState) clone() memState {
	out := memState{
		wallets:      make(map[string]Wallet, len(st.wallets)),
		transactions: make(map[string]Transaction, len(st.transactions)),
		vouchers:     make(map[string]Voucher, len(st.vouchers)),
	}
	for k, v := range st.wallets {
		out.wallets[k] = v
	}
	for k, v := range st.transactions {
		out.transactions[k] = v
	}
	for k, v := range st.vouchers {
		out.vouchers[k] = v
	}
	return out
}

func (s *MemoryStore) CreateWallet(_ context.Context, w Wallet) (Wallet, error) {
	if !w.Owner.Valid() {
		return Wallet{}, fmt.Errorf("invalid owner reference %q/%q", w.Owner.Kind, w.Owner.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.state.wallets {
		if existing.Owner == w.Owner {
			return Wallet{}, ErrWalletExists
		}
	}
	now := s.clock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	for w.WalletNumber == "" || s.walletNumberTaken(w.WalletNumber) {
		w.WalletNumber = NewWalletNumber(now)
	}
	w.Balance = decimal.Zero
	w.Held = decimal.Zero
	w.DailySpent = decimal.Zero
	w.MonthlySpent = decimal.Zero
	w.CreatedAt = now
	w.UpdatedAt = now
	s.state.wallets[w.ID] = w
	return w, nil
}

func (s *MemoryStore) walletNumberTaken(number string) bool {
	for _, w := range s.state.wallets {
		if w.WalletNumber == number {
			return true
		}
	}
	return false
}

func (s *MemoryStore) GetWallet(_ context.Context, id string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.state.wallets[id]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (s *MemoryStore) GetWalletByOwner(_ context.Context, owner Owner) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.state.wallets {
		if w.Owner == owner {
			return w, nil
		}
	}
	return Wallet{}, ErrWalletNotFound
}

func (s *MemoryStore) GetWalletByNumber(_ context.Context, number string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.state.wallets {
		if w.WalletNumber == number {
			return w, nil
		}
	}
	return Wallet{}, ErrWalletNotFound
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, nil
}

func (s *MemoryStore) GetTransactionByExternalID(_ context.Context, externalID string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if externalID == "" {
		return Transaction{}, ErrTransactionNotFound
	}
	for _, t := range s.state.transactions {
		if t.ExternalID == externalID {
			return t, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (s *MemoryStore) GetTransactionByIdempotencyKey(_ context.Context, walletID, key string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		return Transaction{}, ErrTransactionNotFound
	}
	for _, t := range s.state.transactions {
		if t.WalletID == walletID && t.IdempotencyKey == key {
			return t, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (s *MemoryStore) ListTransactions(_ context.Context, walletID string, filter TransactionFilter) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for _, t := range s.state.transactions {
		if t.WalletID != walletID {
			continue
		}
		if filter.Direction != "" && t.Direction != filter.Direction {
			continue
		}
		if filter.Category != "" && t.Category != filter.Category {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Number > out[j].Number
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListUnresolved(_ context.Context, createdBefore time.Time, limit int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for _, t := range s.state.transactions {
		if t.Status.Terminal() || t.Provider == "" || !t.CreatedAt.Before(createdBefore) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CompletedSum(_ context.Context, walletID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.wallets[walletID]; !ok {
		return decimal.Zero, ErrWalletNotFound
	}
	return s.state.completedSum(walletID), nil
}

func (st memState) completedSum(walletID string) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range st.transactions {
		if t.WalletID == walletID && t.Status == StatusCompleted {
			sum = sum.Add(t.SignedAmount())
		}
	}
	return sum
}

func (s *MemoryStore) CreateVoucher(_ context.Context, v Voucher) (Voucher, error) {
	if !ValidAmount(v.Amount) {
		return Voucher{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Number == "" {
		v.Number = NewVoucherNumber(now)
	}
	for _, existing := range s.state.vouchers {
		if existing.Number == v.Number {
			return Voucher{}, ErrDuplicateTransaction
		}
	}
	v.Status = VoucherPending
	v.CreatedAt = now
	v.UpdatedAt = now
	s.state.vouchers[v.ID] = v
	return v, nil
}

func (s *MemoryStore) GetVoucher(_ context.Context, id string) (Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state.vouchers[id]
	if !ok {
		return Voucher{}, ErrVoucherNotFound
	}
	return v, nil
}

func (s *MemoryStore) ExpireVouchers(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, v := range s.state.vouchers {
		if v.Status == VoucherPending && v.Expired(now) {
			v.Status = VoucherExpired
			v.UpdatedAt = now
			s.state.vouchers[id] = v
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{st: s.state.clone(), now: s.clock()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

type memTx struct {
	st  memState
	now time.Time
}

func (t *memTx) wallet(id string) (Wallet, error) {
	w, ok := t.st.wallets[id]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (t *memTx) LockWallet(_ context.Context, id string) (Wallet, error) {
	return t.wallet(id)
}

func (t *memTx) ApplyBalanceDelta(_ context.Context, walletID string, delta decimal.Decimal) (decimal.Decimal, error) {
	w, err := t.wallet(walletID)
	if err != nil {
		return decimal.Zero, err
	}
	next := w.Balance.Add(delta)
	if next.IsNegative() || next.LessThan(w.Held) {
		return decimal.Zero, ErrInsufficientFunds
	}
	w.Balance = next
	w.UpdatedAt = t.now
	t.st.wallets[walletID] = w
	return next, nil
}

func (t *memTx) AdjustHeld(_ context.Context, walletID string, delta decimal.Decimal) error {
	w, err := t.wallet(walletID)
	if err != nil {
		return err
	}
	next := w.Held.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("held amount would become %s", next)
	}
	if next.GreaterThan(w.Balance) {
		return ErrInsufficientFunds
	}
	w.Held = next
	w.UpdatedAt = t.now
	t.st.wallets[walletID] = w
	return nil
}

func (t *memTx) AddSpent(_ context.Context, walletID string, amount decimal.Decimal) error {
	w, err := t.wallet(walletID)
	if err != nil {
		return err
	}
	w.DailySpent, w.MonthlySpent = rollSpent(w, t.now)
	w.DailySpent = w.DailySpent.Add(amount)
	w.MonthlySpent = w.MonthlySpent.Add(amount)
	w.SpentAt = t.now
	w.UpdatedAt = t.now
	t.st.wallets[walletID] = w
	return nil
}

func (t *memTx) SetFrozen(_ context.Context, walletID string, frozen bool, reason string) error {
	w, err := t.wallet(walletID)
	if err != nil {
		return err
	}
	w.Frozen = frozen
	w.FreezeReason = reason
	if !frozen {
		w.FreezeReason = ""
	}
	w.UpdatedAt = t.now
	t.st.wallets[walletID] = w
	return nil
}

func (t *memTx) RollingDebits(_ context.Context, walletID string, since time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, tr := range t.st.transactions {
		if tr.WalletID != walletID || tr.Direction != Debit || tr.CreatedAt.Before(since) {
			continue
		}
		if countsTowardLimit(tr) {
			sum = sum.Add(tr.Amount)
		}
	}
	return sum, nil
}

func (t *memTx) CompletedSum(_ context.Context, walletID string) (decimal.Decimal, error) {
	if _, err := t.wallet(walletID); err != nil {
		return decimal.Zero, err
	}
	return t.st.completedSum(walletID), nil
}

func (t *memTx) CreateTransaction(_ context.Context, draft Transaction) (Transaction, error) {
	if err := validateDraft(draft); err != nil {
		return Transaction{}, err
	}
	if _, err := t.wallet(draft.WalletID); err != nil {
		return Transaction{}, err
	}
	for _, existing := range t.st.transactions {
		if draft.ExternalID != "" && existing.ExternalID == draft.ExternalID {
			return existing, ErrDuplicateTransaction
		}
		if draft.IdempotencyKey != "" && existing.WalletID == draft.WalletID && existing.IdempotencyKey == draft.IdempotencyKey {
			return existing, ErrDuplicateTransaction
		}
	}
	draft.ID = uuid.NewString()
	for draft.Number == "" || t.numberTaken(draft.Number) {
		draft.Number = NewTransactionNumber(t.now)
	}
	if draft.Status == "" {
		draft.Status = StatusPending
	}
	draft.CreatedAt = t.now
	draft.UpdatedAt = t.now
	if draft.Status.Terminal() {
		processed := t.now
		draft.ProcessedAt = &processed
	}
	t.st.transactions[draft.ID] = draft
	return draft, nil
}

func (t *memTx) numberTaken(number string) bool {
	for _, tr := range t.st.transactions {
		if tr.Number == number {
			return true
		}
	}
	return false
}

func (t *memTx) LockTransaction(_ context.Context, id string) (Transaction, error) {
	tr, ok := t.st.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tr, nil
}

func (t *memTx) UpdateTransactionStatus(_ context.Context, id string, to Status, fields Fields) (Transaction, error) {
	tr, ok := t.st.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if err := checkTransition(tr.Status, to); err != nil {
		return tr, err
	}
	tr.Status = to
	applyFields(&tr, fields, t.now)
	t.st.transactions[id] = tr
	return tr, nil
}

func (t *memTx) UpdateTransactionFields(_ context.Context, id string, fields Fields) (Transaction, error) {
	tr, ok := t.st.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if tr.Status.Terminal() {
		return tr, fmt.Errorf("%s: %w", tr.Status, ErrTransactionTerminal)
	}
	applyFields(&tr, fields, t.now)
	t.st.transactions[id] = tr
	return tr, nil
}

func (t *memTx) ClaimVoucher(_ context.Context, id string, now time.Time) (Voucher, error) {
	v, ok := t.st.vouchers[id]
	if !ok {
		return Voucher{}, ErrVoucherNotFound
	}
	if err := claimable(v, now); err != nil {
		return v, err
	}
	v.Status = VoucherUsed
	v.UpdatedAt = t.now
	t.st.vouchers[id] = v
	return v, nil
}

func (t *memTx) ExpireVoucher(_ context.Context, id string) error {
	v, ok := t.st.vouchers[id]
	if !ok {
		return ErrVoucherNotFound
	}
	if v.Status != VoucherPending {
		return nil
	}
	v.Status = VoucherExpired
	v.UpdatedAt = t.now
	t.st.vouchers[id] = v
	return nil
}

func (t *memTx) BindVoucher(_ context.Context, id, transactionID string) error {
	v, ok := t.st.vouchers[id]
	if !ok {
		return ErrVoucherNotFound
	}
	v.RedeemedTransactionID = transactionID
	v.UpdatedAt = t.now
	t.st.vouchers[id] = v
	return nil
}
