package wallet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletcore/internal/guard"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/middleware"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	Currency     string `json:"currency" validate:"omitempty,len=3,alpha"`
	DailyLimit   string `json:"daily_limit" validate:"omitempty,positive_amount"`
	MonthlyLimit string `json:"monthly_limit" validate:"omitempty,positive_amount"`
}

type freezeRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

type walletResponse struct {
	ID           string           `json:"id"`
	WalletNumber string           `json:"wallet_number"`
	OwnerKind    ledger.OwnerKind `json:"owner_kind"`
	OwnerID      string           `json:"owner_id"`
	Currency     string           `json:"currency"`
	Balance      decimal.Decimal  `json:"balance"`
	Held         decimal.Decimal  `json:"held"`
	Available    decimal.Decimal  `json:"available"`
	DailyLimit   decimal.Decimal  `json:"daily_limit"`
	MonthlyLimit decimal.Decimal  `json:"monthly_limit"`
	Frozen       bool             `json:"frozen"`
	FreezeReason string           `json:"freeze_reason,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// TransactionResponse is the JSON shape of a transaction.
type TransactionResponse struct {
	ID                   string               `json:"id"`
	Number               string               `json:"number"`
	WalletID             string               `json:"wallet_id"`
	Direction            ledger.Direction     `json:"direction"`
	Category             ledger.Category      `json:"category"`
	Amount               decimal.Decimal      `json:"amount"`
	Currency             string               `json:"currency"`
	Status               ledger.Status        `json:"status"`
	PaymentMethod        ledger.PaymentMethod `json:"payment_method"`
	Provider             string               `json:"provider,omitempty"`
	ExternalID           string               `json:"external_id,omitempty"`
	ProviderReference    string               `json:"provider_reference,omitempty"`
	ProviderStatus       string               `json:"provider_status,omitempty"`
	CounterpartyWalletID string               `json:"counterparty_wallet_id,omitempty"`
	VoucherID            string               `json:"voucher_id,omitempty"`
	Description          string               `json:"description,omitempty"`
	FailureReason        string               `json:"failure_reason,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	ProcessedAt          *time.Time           `json:"processed_at,omitempty"`
}

// NewTransactionResponse renders t for API clients.
func NewTransactionResponse(t ledger.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:                   t.ID,
		Number:               t.Number,
		WalletID:             t.WalletID,
		Direction:            t.Direction,
		Category:             t.Category,
		Amount:               t.Amount,
		Currency:             t.Currency,
		Status:               t.Status,
		PaymentMethod:        t.PaymentMethod,
		Provider:             t.Provider,
		ExternalID:           t.ExternalID,
		ProviderReference:    t.ProviderReference,
		ProviderStatus:       t.ProviderStatus,
		CounterpartyWalletID: t.CounterpartyWalletID,
		VoucherID:            t.VoucherID,
		Description:          t.Description,
		FailureReason:        t.FailureReason,
		CreatedAt:            t.CreatedAt,
		ProcessedAt:          t.ProcessedAt,
	}
}

func newWalletResponse(w ledger.Wallet) walletResponse {
	return walletResponse{
		ID:           w.ID,
		WalletNumber: w.WalletNumber,
		OwnerKind:    w.Owner.Kind,
		OwnerID:      w.Owner.ID,
		Currency:     w.Currency,
		Balance:      w.Balance,
		Held:         w.Held,
		Available:    w.Available(),
		DailyLimit:   w.DailyLimit,
		MonthlyLimit: w.MonthlyLimit,
		Frozen:       w.Frozen,
		FreezeReason: w.FreezeReason,
		CreatedAt:    w.CreatedAt,
	}
}

// Create provisions a wallet for the calling owner.
func (h *Handler) Create(c *fiber.Ctx) error {
	owner, ok := middleware.OwnerFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "missing owner reference")
	}
	var req createRequest
	if err := middleware.Bind(c, &req); err != nil {
		return err
	}
	in := CreateInput{Owner: owner, Currency: req.Currency}
	if req.DailyLimit != "" {
		in.DailyLimit = decimal.RequireFromString(req.DailyLimit)
	}
	if req.MonthlyLimit != "" {
		in.MonthlyLimit = decimal.RequireFromString(req.MonthlyLimit)
	}
	w, err := h.service.Create(c.UserContext(), in)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(newWalletResponse(w))
}

// Mine returns the calling owner's wallet.
func (h *Handler) Mine(c *fiber.Ctx) error {
	owner, ok := middleware.OwnerFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "missing owner reference")
	}
	w, err := h.service.GetByOwner(c.UserContext(), owner)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(newWalletResponse(w))
}

// Get returns a wallet visible to the caller.
func (h *Handler) Get(c *fiber.Ctx) error {
	w, err := h.authorized(c)
	if err != nil {
		return err
	}
	return c.JSON(newWalletResponse(w))
}

// Balance returns the wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	w, err := h.authorized(c)
	if err != nil {
		return err
	}
	balance, err := h.service.Balance(c.UserContext(), w.ID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"wallet_id": balance.WalletID,
		"balance":   balance.Balance,
		"held":      balance.Held,
		"available": balance.Available,
		"currency":  balance.Currency,
		"timestamp": balance.AsOf,
	})
}

// History lists the wallet's transactions.
func (h *Handler) History(c *fiber.Ctx) error {
	w, err := h.authorized(c)
	if err != nil {
		return err
	}
	filter := ledger.TransactionFilter{
		Direction: ledger.Direction(c.Query("direction")),
		Category:  ledger.Category(c.Query("category")),
		Status:    ledger.Status(c.Query("status")),
		Limit:     c.QueryInt("limit", 50),
		Offset:    c.QueryInt("offset", 0),
	}
	txs, err := h.service.History(c.UserContext(), w.ID, filter)
	if err != nil {
		return toHTTPError(err)
	}
	out := make([]TransactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, NewTransactionResponse(t))
	}
	return c.JSON(fiber.Map{"wallet_id": w.ID, "transactions": out})
}

// Freeze blocks debits from a wallet. Admin only.
func (h *Handler) Freeze(c *fiber.Ctx) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	var req freezeRequest
	if len(c.Body()) > 0 {
		if err := middleware.Bind(c, &req); err != nil {
			return err
		}
	}
	w, err := h.service.Freeze(c.UserContext(), c.Params("walletId"), req.Reason)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(newWalletResponse(w))
}

// Unfreeze lifts a freeze. Admin only.
func (h *Handler) Unfreeze(c *fiber.Ctx) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	w, err := h.service.Unfreeze(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(newWalletResponse(w))
}

// Audit checks the wallet balance against its ledger. Admin only.
func (h *Handler) Audit(c *fiber.Ctx) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	report, err := h.service.Audit(c.UserContext(), c.Params("walletId"))
	if err != nil && !errors.Is(err, ErrLedgerDrift) {
		return toHTTPError(err)
	}
	status := http.StatusOK
	if !report.Consistent {
		status = http.StatusConflict
	}
	return c.Status(status).JSON(fiber.Map{
		"wallet_id":  report.WalletID,
		"balance":    report.Balance,
		"ledger_sum": report.LedgerSum,
		"consistent": report.Consistent,
		"checked_at": report.CheckedAt,
	})
}

// authorized loads the wallet named in the path when the caller owns it or
// is an admin.
func (h *Handler) authorized(c *fiber.Ctx) (ledger.Wallet, error) {
	owner, ok := middleware.OwnerFrom(c)
	if !ok {
		return ledger.Wallet{}, fiber.NewError(http.StatusUnauthorized, "missing owner reference")
	}
	w, err := h.service.Get(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return ledger.Wallet{}, toHTTPError(err)
	}
	if owner.Kind != ledger.OwnerAdmin && w.Owner != owner {
		return ledger.Wallet{}, fiber.NewError(http.StatusForbidden, "not owner of wallet")
	}
	return w, nil
}

func requireAdmin(c *fiber.Ctx) error {
	owner, ok := middleware.OwnerFrom(c)
	if !ok || owner.Kind != ledger.OwnerAdmin {
		return fiber.NewError(http.StatusForbidden, "admin only")
	}
	return nil
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	case errors.Is(err, ledger.ErrWalletExists):
		return fiber.NewError(http.StatusConflict, "wallet already exists")
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, guard.ErrOperational):
		return fiber.NewError(http.StatusServiceUnavailable, "wallet busy, retry later")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
