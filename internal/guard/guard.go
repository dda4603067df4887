package guard

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletcore/internal/ledger"
)

// ErrOperational is returned when a wallet operation kept conflicting and
// every retry was used up.
var ErrOperational = errors.New("wallet operation failed after retries")

// WalletFunc runs inside a unit of work with the wallet row locked. It may be
// invoked more than once when the unit conflicts, so it must only write
// through tx.
type WalletFunc func(ctx context.Context, tx ledger.Tx, w *ledger.Wallet) error

// WalletsFunc is WalletFunc for several wallets, keyed by id.
type WalletsFunc func(ctx context.Context, tx ledger.Tx, wallets map[string]*ledger.Wallet) error

// Options tunes retries and lock waits.
type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	LockTimeout time.Duration
	Clock       func() time.Time
}

// Guard is the only path to balance mutation. It serializes operations per
// wallet and checks spending rules under the lock.
type Guard struct {
	store  ledger.Store
	locker Locker
	logger *slog.Logger
	opts   Options
}

// New constructs a Guard over store. A nil locker means in-process locking.
func New(store ledger.Store, locker Locker, logger *slog.Logger, opts Options) *Guard {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 20 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Second
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Guard{store: store, locker: locker, logger: logger, opts: opts}
}

// Now returns the guard's current time.
func (g *Guard) Now() time.Time {
	return g.opts.Clock()
}

// WithWalletLock runs fn with exclusive access to one wallet and commits its
// writes atomically.
func (g *Guard) WithWalletLock(ctx context.Context, walletID string, fn WalletFunc) error {
	return g.WithWalletsLock(ctx, []string{walletID}, func(ctx context.Context, tx ledger.Tx, wallets map[string]*ledger.Wallet) error {
		return fn(ctx, tx, wallets[walletID])
	})
}

// WithWalletsLock runs fn with exclusive access to every listed wallet. Holds
// and row locks are always taken in ascending id order.
func (g *Guard) WithWalletsLock(ctx context.Context, walletIDs []string, fn WalletsFunc) error {
	ids := uniqueSorted(walletIDs)
	if len(ids) == 0 {
		return fmt.Errorf("no wallet to lock")
	}

	var err error
	for attempt := 0; attempt < g.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if sleepErr := sleep(ctx, g.backoff(attempt)); sleepErr != nil {
				return sleepErr
			}
		}
		err = g.attempt(ctx, ids, fn)
		if err == nil || !retryable(err) {
			return err
		}
		g.logger.Warn("wallet operation conflicted, retrying", "wallets", ids, "attempt", attempt+1, "error", err)
	}
	g.logger.Error("wallet operation gave up", "wallets", ids, "attempts", g.opts.MaxAttempts, "error", err)
	return fmt.Errorf("%w: %w", ErrOperational, err)
}

func (g *Guard) attempt(ctx context.Context, ids []string, fn WalletsFunc) error {
	releases := make([]func(), 0, len(ids))
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}()

	lockCtx, cancel := context.WithTimeout(ctx, g.opts.LockTimeout)
	defer cancel()
	for _, id := range ids {
		release, err := g.locker.Acquire(lockCtx, "wallet:"+id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: wallet %s", ErrLockTimeout, id)
			}
			return err
		}
		releases = append(releases, release)
	}

	return g.store.WithinTx(ctx, func(tx ledger.Tx) error {
		wallets := make(map[string]*ledger.Wallet, len(ids))
		for _, id := range ids {
			w, err := tx.LockWallet(ctx, id)
			if err != nil {
				return err
			}
			wallets[id] = &w
		}
		return fn(ctx, tx, wallets)
	})
}

// CanSpend checks whether w may be debited by amount. It must run under the
// wallet lock so the answer holds until commit.
func (g *Guard) CanSpend(ctx context.Context, tx ledger.Tx, w ledger.Wallet, amount decimal.Decimal) error {
	if !ledger.ValidAmount(amount) {
		return ledger.ErrInvalidAmount
	}
	if w.Frozen {
		return ledger.ErrWalletFrozen
	}
	if amount.GreaterThan(w.Available()) {
		return fmt.Errorf("%w: available %s, requested %s", ledger.ErrInsufficientFunds, w.Available().StringFixed(2), amount.StringFixed(2))
	}

	now := g.Now()
	if w.DailyLimit.IsPositive() {
		spent, err := tx.RollingDebits(ctx, w.ID, now.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if spent.Add(amount).GreaterThan(w.DailyLimit) {
			return fmt.Errorf("%w: daily limit %s, spent %s", ledger.ErrLimitExceeded, w.DailyLimit.StringFixed(2), spent.StringFixed(2))
		}
	}
	if w.MonthlyLimit.IsPositive() {
		spent := ledger.MonthlySpentAt(w, now)
		if spent.Add(amount).GreaterThan(w.MonthlyLimit) {
			return fmt.Errorf("%w: monthly limit %s, spent %s", ledger.ErrLimitExceeded, w.MonthlyLimit.StringFixed(2), spent.StringFixed(2))
		}
	}
	return nil
}

func (g *Guard) backoff(attempt int) time.Duration {
	delay := g.opts.BaseBackoff << (attempt - 1)
	if delay <= 0 || delay > g.opts.MaxBackoff {
		delay = g.opts.MaxBackoff
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return delay / 2
	}
	return time.Duration(n.Int64())
}

func retryable(err error) bool {
	return errors.Is(err, ledger.ErrConflict) || errors.Is(err, ErrLockTimeout)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
