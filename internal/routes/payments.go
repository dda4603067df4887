package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletcore/internal/payments"
	"github.com/congo-pay/walletcore/internal/reconcile"
)

// RegisterPaymentRoutes wires money movement endpoints.
func RegisterPaymentRoutes(r fiber.Router, h *payments.Handler) {
	r.Post("/wallets/:walletId/deposits", h.Deposit)
	r.Post("/wallets/:walletId/withdrawals", h.Withdraw)
	r.Post("/wallets/:walletId/topups/card", h.CardTopUp)
	r.Post("/wallets/:walletId/transfers", h.P2P)
	r.Get("/transactions/:transactionId", h.GetTransaction)
	r.Post("/transactions/:transactionId/refund", h.Refund)
}

// RegisterVoucherRoutes wires QR voucher endpoints.
func RegisterVoucherRoutes(r fiber.Router, h *payments.Handler) {
	r.Post("/vouchers", h.IssueVoucher)
	r.Get("/vouchers/:voucherId", h.GetVoucher)
	r.Post("/vouchers/:voucherId/redeem", h.RedeemVoucher)
}

// RegisterWebhookRoutes exposes provider callbacks.
func RegisterWebhookRoutes(r fiber.Router, h *reconcile.WebhookHandler) {
	r.Post("/webhooks/:provider", h.Receive)
}
