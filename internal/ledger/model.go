package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// OwnerKind distinguishes the two kinds of wallet owners.
type OwnerKind string

const (
	OwnerUser  OwnerKind = "user"
	OwnerAdmin OwnerKind = "admin"
)

// Owner references exactly one wallet owner: a user or an admin, never both.
type Owner struct {
	Kind OwnerKind
	ID   string
}

// Valid reports whether the owner reference names a known kind and an id.
func (o Owner) Valid() bool {
	return (o.Kind == OwnerUser || o.Kind == OwnerAdmin) && o.ID != ""
}

// Wallet is the internal store of value owned by a single owner.
type Wallet struct {
	ID           string
	WalletNumber string
	Owner        Owner
	Balance      decimal.Decimal
	// Held is the part of Balance reserved by in-flight provider debits.
	Held         decimal.Decimal
	Currency     string
	DailyLimit   decimal.Decimal
	MonthlyLimit decimal.Decimal
	DailySpent   decimal.Decimal
	MonthlySpent decimal.Decimal
	// SpentAt is when the spent counters last changed.
	SpentAt      time.Time
	Frozen       bool
	FreezeReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Available returns the balance that can still be spent.
func (w Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Held)
}

// Direction is the sign of a transaction relative to its wallet.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Category classifies what a transaction was for.
type Category string

const (
	CategoryTopUp      Category = "topup"
	CategoryWithdrawal Category = "withdrawal"
	CategoryTransfer   Category = "transfer"
	CategoryPayment    Category = "payment"
	CategoryBill       Category = "bill"
	CategoryService    Category = "service"
	CategoryTransport  Category = "transport"
	CategoryRefund     Category = "refund"
	CategoryFee        Category = "fee"
	CategoryBonus      Category = "bonus"
)

var categories = map[Category]struct{}{
	CategoryTopUp: {}, CategoryWithdrawal: {}, CategoryTransfer: {}, CategoryPayment: {},
	CategoryBill: {}, CategoryService: {}, CategoryTransport: {}, CategoryRefund: {},
	CategoryFee: {}, CategoryBonus: {},
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, ok := categories[c]
	return ok
}

// PaymentMethod records the rail a transaction used.
type PaymentMethod string

const (
	MethodWallet      PaymentMethod = "wallet"
	MethodBankCard    PaymentMethod = "bank_card"
	MethodQRCode      PaymentMethod = "qr_code"
	MethodMobileMoney PaymentMethod = "mobile_money"
)

// Transaction is a single value movement affecting one wallet. Its amount
// never changes after creation.
type Transaction struct {
	ID                   string
	Number               string
	WalletID             string
	Direction            Direction
	Category             Category
	Amount               decimal.Decimal
	Fee                  decimal.Decimal
	Currency             string
	Status               Status
	PaymentMethod        PaymentMethod
	Provider             string
	ExternalID           string
	ProviderReference    string
	ProviderStatus       string
	CounterpartyWalletID string
	VoucherID            string
	IdempotencyKey       string
	Description          string
	Metadata             map[string]any
	FailureReason        string
	InitiationAttempts   int
	// Held is true while the amount is reserved on the wallet for this debit.
	Held        bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// Unacknowledged reports whether the provider never confirmed receipt of the
// transaction: it is pending, or processing without a provider reference.
func (t Transaction) Unacknowledged() bool {
	return t.Status == StatusPending || (t.Status == StatusProcessing && t.ProviderReference == "")
}

// SignedAmount returns the balance effect of the transaction once completed.
func (t Transaction) SignedAmount() decimal.Decimal {
	if t.Direction == Debit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// TransactionFilter narrows wallet history queries. Zero values match all.
type TransactionFilter struct {
	Direction Direction
	Category  Category
	Status    Status
	Limit     int
	Offset    int
}

// Fields carries the mutable transaction attributes that may change along
// with, or independently of, a status transition. Empty values leave the
// stored value untouched.
type Fields struct {
	ProviderReference string
	ProviderStatus    string
	FailureReason     string
	ReleaseHold       bool
	AddAttempt        bool
	ProcessedAt       time.Time
}

// VoucherStatus is the lifecycle state of a QR voucher.
type VoucherStatus string

const (
	VoucherPending VoucherStatus = "pending"
	VoucherUsed    VoucherStatus = "used"
	VoucherExpired VoucherStatus = "expired"
)

// Voucher is a single-use, time-bound claim that redeems into exactly one
// debit transaction.
type Voucher struct {
	ID                    string
	Number                string
	Amount                decimal.Decimal
	Currency              string
	Category              Category
	Status                VoucherStatus
	IssuerRef             string
	ExpiresAt             time.Time
	RedeemedTransactionID string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Expired reports whether the voucher can no longer be redeemed at now.
func (v Voucher) Expired(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}
