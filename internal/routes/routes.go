package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/walletcore/internal/config"
	"github.com/congo-pay/walletcore/internal/middleware"
	"github.com/congo-pay/walletcore/internal/payments"
	"github.com/congo-pay/walletcore/internal/reconcile"
	"github.com/congo-pay/walletcore/internal/wallet"
)

// Deps aggregates shared dependencies and handlers required to wire routes.
// DB and Cache may be nil when the service runs without them.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger

	Wallets  *wallet.Handler
	Payments *payments.Handler
	Webhooks *reconcile.WebhookHandler
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if !d.Cfg.IsProduction() {
		// Plain text access log in the format: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	}
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	// Provider callbacks carry no owner reference and are never replayed
	// from the idempotency cache.
	RegisterWebhookRoutes(app, d.Webhooks)

	api := app.Group("/api/v1", middleware.OwnerReference())
	if d.Cache != nil {
		api.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c.UserContext()),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterWalletRoutes(api, d.Wallets)
	RegisterPaymentRoutes(api, d.Payments)
	RegisterVoucherRoutes(api, d.Payments)
}
