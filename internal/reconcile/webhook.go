package reconcile

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletcore/internal/guard"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/provider"
)

// CallbackTokenHeader carries the shared callback secret when one is configured.
const CallbackTokenHeader = "X-Callback-Token"

// WebhookHandler receives provider callbacks over HTTP.
type WebhookHandler struct {
	handler  *Handler
	registry *provider.Registry
	secret   string
	logger   *slog.Logger
}

func NewWebhookHandler(handler *Handler, registry *provider.Registry, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{handler: handler, registry: registry, secret: secret, logger: logger}
}

// Receive handles POST /webhooks/:provider.
func (w *WebhookHandler) Receive(c *fiber.Ctx) error {
	name := c.Params("provider")
	gw, err := w.registry.Get(name)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, "unknown provider")
	}

	body := c.Body()
	if w.secret != "" {
		token := c.Get(CallbackTokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(w.secret)) != 1 {
			w.logger.Warn("callback with invalid token", "provider", name, "ip", c.IP())
			return fiber.NewError(http.StatusUnauthorized, "invalid callback token")
		}
	}
	if !provider.VerifyCallback(gw, body, requestHeader(c)) {
		w.logger.Warn("callback with invalid signature", "provider", name, "ip", c.IP())
		return fiber.NewError(http.StatusUnauthorized, "invalid signature")
	}

	ack, err := w.handler.HandleCallback(c.UserContext(), name, body)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrInvalidCallback):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ledger.ErrTransactionNotFound):
			return fiber.NewError(http.StatusNotFound, "transaction not found")
		case errors.Is(err, ErrAmountMismatch):
			return fiber.NewError(http.StatusConflict, "amount mismatch")
		case errors.Is(err, guard.ErrOperational):
			return fiber.NewError(http.StatusServiceUnavailable, "try again later")
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"result":         ack.Result,
		"transaction_id": ack.Transaction.ID,
		"status":         ack.Transaction.Status,
	})
}

func requestHeader(c *fiber.Ctx) http.Header {
	header := http.Header{}
	for key, values := range c.GetReqHeaders() {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	return header
}
