package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places stored for every amount.
const MoneyScale = 2

// maxAmount is the first value a NUMERIC(15,2) column cannot hold.
var maxAmount = decimal.New(1, 13)

// ValidAmount reports whether d can be booked as-is: positive, at most
// MoneyScale decimal places, and within the column range. Amounts are never
// rounded on the way in.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Round(MoneyScale)) && d.LessThan(maxAmount)
}

func validateDraft(draft Transaction) error {
	if !ValidAmount(draft.Amount) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, draft.Amount.String())
	}
	if draft.Direction != Credit && draft.Direction != Debit {
		return fmt.Errorf("unknown direction %q", draft.Direction)
	}
	if !draft.Category.Valid() {
		return fmt.Errorf("unknown category %q", draft.Category)
	}
	if draft.Status != "" && !draft.Status.Valid() {
		return fmt.Errorf("unknown status %q", draft.Status)
	}
	return nil
}

func applyFields(t *Transaction, f Fields, now time.Time) {
	if f.ProviderReference != "" {
		t.ProviderReference = f.ProviderReference
	}
	if f.ProviderStatus != "" {
		t.ProviderStatus = f.ProviderStatus
	}
	if f.FailureReason != "" {
		t.FailureReason = f.FailureReason
	}
	if f.ReleaseHold {
		t.Held = false
	}
	if f.AddAttempt {
		t.InitiationAttempts++
	}
	if !f.ProcessedAt.IsZero() {
		processed := f.ProcessedAt
		t.ProcessedAt = &processed
	}
	t.UpdatedAt = now
}

// countsTowardLimit reports whether a debit consumes the rolling daily limit:
// completed, processing, or still holding funds.
func countsTowardLimit(t Transaction) bool {
	switch t.Status {
	case StatusCompleted, StatusProcessing:
		return true
	case StatusPending:
		return t.Held
	}
	return false
}

// rollSpent returns the spent counters as they stand at now, reset when the
// day or month changed since they were last written.
func rollSpent(w Wallet, now time.Time) (daily, monthly decimal.Decimal) {
	daily, monthly = w.DailySpent, w.MonthlySpent
	if w.SpentAt.IsZero() {
		return daily, monthly
	}
	last := w.SpentAt.UTC()
	cur := now.UTC()
	if last.Year() != cur.Year() || last.YearDay() != cur.YearDay() {
		daily = decimal.Zero
	}
	if last.Year() != cur.Year() || last.Month() != cur.Month() {
		monthly = decimal.Zero
	}
	return daily, monthly
}

// MonthlySpentAt returns the wallet's monthly spending as of now.
func MonthlySpentAt(w Wallet, now time.Time) decimal.Decimal {
	_, monthly := rollSpent(w, now)
	return monthly
}

func claimable(v Voucher, now time.Time) error {
	switch v.Status {
	case VoucherUsed:
		return ErrVoucherAlreadyUsed
	case VoucherExpired:
		return ErrVoucherExpired
	}
	if v.Expired(now) {
		return ErrVoucherExpired
	}
	return nil
}
