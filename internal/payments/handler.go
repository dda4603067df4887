package payments

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletcore/internal/guard"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/middleware"
	"github.com/congo-pay/walletcore/internal/provider"
	"github.com/congo-pay/walletcore/internal/reconcile"
	"github.com/congo-pay/walletcore/internal/voucher"
	"github.com/congo-pay/walletcore/internal/wallet"
)

// WalletLookup resolves wallets for ownership checks.
type WalletLookup interface {
	Get(ctx context.Context, id string) (ledger.Wallet, error)
	GetByOwner(ctx context.Context, owner ledger.Owner) (ledger.Wallet, error)
}

// Handler exposes payment endpoints.
type Handler struct {
	service *Service
	wallets WalletLookup
}

// NewHandler constructs a payment handler.
func NewHandler(service *Service, wallets WalletLookup) *Handler {
	return &Handler{service: service, wallets: wallets}
}

type depositRequest struct {
	Amount      string `json:"amount" validate:"required,positive_amount"`
	Payer       string `json:"payer" validate:"required,max=64"`
	Provider    string `json:"provider" validate:"omitempty,max=32"`
	Description string `json:"description" validate:"max=255"`
}

type withdrawalRequest struct {
	Amount      string `json:"amount" validate:"required,positive_amount"`
	Payee       string `json:"payee" validate:"required,max=64"`
	Provider    string `json:"provider" validate:"omitempty,max=32"`
	Description string `json:"description" validate:"max=255"`
}

type cardTopUpRequest struct {
	Amount      string `json:"amount" validate:"required,positive_amount"`
	CardRef     string `json:"card_ref" validate:"required,max=128"`
	Description string `json:"description" validate:"max=255"`
}

type transferRequest struct {
	Recipient   string `json:"recipient_wallet_number" validate:"required,max=32"`
	Amount      string `json:"amount" validate:"required,positive_amount"`
	Description string `json:"description" validate:"max=255"`
}

type refundRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

type voucherRequest struct {
	Amount     string `json:"amount" validate:"required,positive_amount"`
	Category   string `json:"category" validate:"omitempty,oneof=payment bill service transport"`
	Currency   string `json:"currency" validate:"omitempty,len=3,alpha"`
	TTLSeconds int    `json:"ttl_seconds" validate:"gte=0,lte=604800"`
}

type voucherResponse struct {
	ID                    string               `json:"id"`
	Number                string               `json:"number"`
	Amount                decimal.Decimal      `json:"amount"`
	Currency              string               `json:"currency"`
	Category              ledger.Category      `json:"category"`
	Status                ledger.VoucherStatus `json:"status"`
	ExpiresAt             time.Time            `json:"expires_at"`
	RedeemedTransactionID string               `json:"redeemed_transaction_id,omitempty"`
}

func newVoucherResponse(v ledger.Voucher) voucherResponse {
	return voucherResponse{
		ID:                    v.ID,
		Number:                v.Number,
		Amount:                v.Amount,
		Currency:              v.Currency,
		Category:              v.Category,
		Status:                v.Status,
		ExpiresAt:             v.ExpiresAt,
		RedeemedTransactionID: v.RedeemedTransactionID,
	}
}

// Deposit starts a provider collection into the wallet.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	w, err := h.ownedWallet(c)
	if err != nil {
		return err
	}
	var req depositRequest
	if err := middleware.Bind(c, &req); err != nil {
		return err
	}
	t, err := h.service.InitiateDeposit(c.UserContext(), DepositInput{
		WalletID:       w.ID,
		Amount:         decimal.RequireFromString(req.Amount),
		Payer:          req.Payer,
		Provider:       strings.ToLower(req.Provider),
		Description:    req.Description,
		IdempotencyKey: c.Get(middleware.IdempotencyKeyHeader),
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(statusFor(t)).JSON(wallet.NewTransactionResponse(t))
}

// Withdraw starts a provider payout from the wallet.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	w, err := h.ownedWallet(c)
	if err != nil {
		return err
	}
	var req withdrawalRequest
	if err := middleware.Bind(c, &req); err != nil {
		return err
	}
	t, err := h.service.InitiateWithdrawal(c.UserContext(), WithdrawalInput{
		WalletID:       w.ID,
		Amount:         decimal.RequireFromString(req.Amount),
		Payee:          req.Payee,
		Provider:       strings.ToLower(req.Provider),
		Description:    req.Description,
		IdempotencyKey: c.Get(middleware.IdempotencyKeyHeader),
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(statusFor(t)).JSON(wallet.NewTransactionResponse(t))
}

// CardTopUp funds the wallet from a bank card.
func (h *Handler) CardTopUp(c *fiber.Ctx) error {
	w, err := h.ownedWallet(c)
	if err != nil {
		return err
	}
	var req cardTopUpRequest
	if err := middleware.Bind(c, &req); err != nil {
		return err
	}
	t, err := h.service.TopUpFromCard(c.UserContext(), CardTopUpInput{
		WalletID:       w.ID,
		Amount:         decimal.RequireFromString(req.Amount),
		CardRef:        req.CardRef,
		Description:    req.Description,
		IdempotencyKey: c.Get(middleware.IdempotencyKeyHeader),
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(statusFor(t)).JSON(wallet.NewTransactionResponse(t))
}

// P2P processes a wallet-to-wallet transfer.
func (h *Handler) P2P(c *fiber.Ctx) error {
	w, err := h.ownedWallet(c)
	if err != nil {
		return err
	}
	var req transferRequest
	if err := middleware.Bind(c, &req); err != nil {
		return err
	}
	res, err := h.service.SendP2P(c.UserContext(), P2PInput{
		SenderWalletID: w.ID,
		Recipient:      req.Recipient,
		Amount:         decimal.RequireFromString(req.Amount),
		Description:    req.Description,
		IdempotencyKey: c.Get(middleware.IdempotencyKeyHeader),
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"transaction":    wallet.NewTransactionResponse(res.Debit),
		"transaction_id": res.Debit.ID,
		"from_balance":   res.SenderBalance,
		"completed_at":   res.Debit.ProcessedAt,
	})
}

// GetTransaction returns a transaction visible to the caller.
func (h *Handler) GetTransaction(c *fiber.Ctx) error {
	t, err := h.service.GetTransaction(c.UserContext(), c.Params("transactionId"))
	if err != nil {
		return toHTTPError(err)
	}
	if _, err := h.authorize(c, t.WalletID); err != nil {
		return err
	}
	return c.JSON(wallet.NewTransactionResponse(t))
}

// Refund returns a completed deposit to its payer. Admin only.
func (h *Handler) Refund(c *fiber.Ctx) error {
	owner, ok := middleware.OwnerFrom(c)
	if !ok || owner.Kind != ledger.OwnerAdmin {
		return fiber.NewError(http.StatusForbidden, "admin only")
	}
	var req refundRequest
	if len(c.Body()) > 0 {
		if err := middleware.Bind(c, &req); err != nil {
			return err
		}
	}
	t, err := h.service.RefundDeposit(c.UserContext(), RefundInput{TransactionID: c.Params("transactionId"), Reason: req.Reason})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(statusFor(t)).JSON(wallet.NewTransactionResponse(t))
}

// IssueVoucher creates a QR voucher on behalf of the caller.
func (h *Handler) IssueVoucher(c *fiber.Ctx) error {
	owner, ok := middleware.OwnerFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "missing owner reference")
	}
	var req voucherRequest
	if err := middleware.Bind(c, &req); err != nil {
		return err
	}
	v, err := h.service.IssueQRVoucher(c.UserContext(), voucher.IssueInput{
		Amount:    decimal.RequireFromString(req.Amount),
		Category:  ledger.Category(req.Category),
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
		IssuerRef: string(owner.Kind) + ":" + owner.ID,
		Currency:  req.Currency,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(newVoucherResponse(v))
}

// GetVoucher returns a voucher so a payer can confirm it before paying.
func (h *Handler) GetVoucher(c *fiber.Ctx) error {
	v, err := h.service.GetVoucher(c.UserContext(), c.Params("voucherId"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(newVoucherResponse(v))
}

// RedeemVoucher pays a voucher from the caller's wallet.
func (h *Handler) RedeemVoucher(c *fiber.Ctx) error {
	owner, ok := middleware.OwnerFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "missing owner reference")
	}
	w, err := h.wallets.GetByOwner(c.UserContext(), owner)
	if err != nil {
		return toHTTPError(err)
	}
	t, err := h.service.RedeemQRVoucher(c.UserContext(), c.Params("voucherId"), w.ID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(wallet.NewTransactionResponse(t))
}

func (h *Handler) ownedWallet(c *fiber.Ctx) (ledger.Wallet, error) {
	return h.authorize(c, c.Params("walletId"))
}

// authorize loads the wallet when the caller owns it. Admins see every wallet.
func (h *Handler) authorize(c *fiber.Ctx, walletID string) (ledger.Wallet, error) {
	owner, ok := middleware.OwnerFrom(c)
	if !ok {
		return ledger.Wallet{}, fiber.NewError(http.StatusUnauthorized, "missing owner reference")
	}
	w, err := h.wallets.Get(c.UserContext(), walletID)
	if err != nil {
		return ledger.Wallet{}, toHTTPError(err)
	}
	if owner.Kind != ledger.OwnerAdmin && w.Owner != owner {
		return ledger.Wallet{}, fiber.NewError(http.StatusForbidden, "not owner of wallet")
	}
	return w, nil
}

// statusFor answers 202 while the provider has not settled the transaction.
func statusFor(t ledger.Transaction) int {
	if t.Status.Terminal() {
		return http.StatusCreated
	}
	return http.StatusAccepted
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusUnprocessableEntity, "insufficient funds")
	case errors.Is(err, ledger.ErrLimitExceeded):
		return fiber.NewError(http.StatusUnprocessableEntity, "spending limit exceeded")
	case errors.Is(err, ledger.ErrWalletFrozen):
		return fiber.NewError(http.StatusForbidden, "wallet is frozen")
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, ledger.ErrInvalidAmount.Error())
	case errors.Is(err, ErrSelfTransfer), errors.Is(err, ErrCurrencyMismatch), errors.Is(err, voucher.ErrCurrencyMismatch):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return fiber.NewError(http.StatusNotFound, "transaction not found")
	case errors.Is(err, ledger.ErrVoucherNotFound):
		return fiber.NewError(http.StatusNotFound, "voucher not found")
	case errors.Is(err, ledger.ErrVoucherExpired):
		return fiber.NewError(http.StatusGone, "voucher expired")
	case errors.Is(err, ledger.ErrVoucherAlreadyUsed):
		return fiber.NewError(http.StatusConflict, "voucher already used")
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		return fiber.NewError(http.StatusConflict, "duplicate transaction")
	case errors.Is(err, ErrNotRefundable):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, provider.ErrUnknownProvider):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrRejected), errors.Is(err, provider.ErrUnsupported):
		return fiber.NewError(http.StatusBadGateway, err.Error())
	case errors.Is(err, reconcile.ErrAmountMismatch):
		return fiber.NewError(http.StatusBadGateway, "provider reported a different amount")
	case errors.Is(err, guard.ErrOperational), errors.Is(err, guard.ErrLockTimeout):
		return fiber.NewError(http.StatusServiceUnavailable, "wallet busy, retry later")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
