package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/walletcore/internal/config"
	"github.com/congo-pay/walletcore/internal/guard"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/notification"
	"github.com/congo-pay/walletcore/internal/payments"
	"github.com/congo-pay/walletcore/internal/provider"
	"github.com/congo-pay/walletcore/internal/provider/card"
	"github.com/congo-pay/walletcore/internal/provider/mvola"
	"github.com/congo-pay/walletcore/internal/provider/orange"
	"github.com/congo-pay/walletcore/internal/provider/sandbox"
	"github.com/congo-pay/walletcore/internal/reconcile"
	"github.com/congo-pay/walletcore/internal/routes"
	"github.com/congo-pay/walletcore/internal/txn"
	"github.com/congo-pay/walletcore/internal/voucher"
	"github.com/congo-pay/walletcore/internal/wallet"
)

// Server wraps the Fiber application, the reconciliation sweeper and the
// shared dependencies they run on.
type Server struct {
	app     *fiber.App
	cfg     config.Config
	logger  *slog.Logger
	sweeper *reconcile.Sweeper
	closers []func() error

	sweepOnce sync.Once
	sweepCtx  context.Context
	stopSweep context.CancelFunc
	swept     chan struct{}
}

// New builds the component graph and delegates route wiring to routes.Setup.
// db may be nil for the memory store; cache may be nil outside production.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	if cfg.IsProduction() && cache == nil {
		return nil, fmt.Errorf("redis is required when APP_ENV=%s", cfg.AppEnv)
	}

	store, err := newStore(cfg, db)
	if err != nil {
		return nil, err
	}

	var locker guard.Locker = guard.NewLocalLocker()
	if cache != nil {
		locker = guard.Chain(locker, guard.NewRedisLocker(cache, cfg.Guard.LockTTL))
	}
	g := guard.New(store, locker, logger, guard.Options{
		MaxAttempts: cfg.Guard.MaxAttempts,
		BaseBackoff: cfg.Guard.BaseBackoff,
		MaxBackoff:  cfg.Guard.MaxBackoff,
		LockTimeout: cfg.Guard.LockTimeout,
	})

	s := &Server{cfg: cfg, logger: logger, swept: make(chan struct{})}
	s.sweepCtx, s.stopSweep = context.WithCancel(context.Background())
	notifier := notification.Multi{notification.NewLoggerNotifier(logger)}
	if cfg.AMQPURL != "" {
		broker, err := notification.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		notifier = append(notifier, broker)
		s.closers = append(s.closers, broker.Close)
	}

	registry, err := newRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	machine := txn.NewMachine(store, g, notifier, logger)
	reconciler := reconcile.NewHandler(store, machine, registry, logger)
	walletSvc := wallet.NewService(store, g, notifier, logger, wallet.Defaults{
		Currency:     cfg.Wallet.Currency,
		DailyLimit:   cfg.Wallet.DailyLimit,
		MonthlyLimit: cfg.Wallet.MonthlyLimit,
	})
	paymentSvc := payments.NewService(payments.Deps{
		Store:        store,
		Guard:        g,
		Machine:      machine,
		Providers:    registry,
		Reconciler:   reconciler,
		Vouchers:     voucher.NewRegistry(store, g, notifier, logger, cfg.Wallet.VoucherTTL, cfg.Wallet.Currency),
		Recipients:   walletSvc,
		Notifier:     notifier,
		Logger:       logger,
		CardProvider: card.Name,
	})
	s.sweeper = reconcile.NewSweeper(store, reconciler, registry, machine, paymentSvc, reconcile.SweeperConfig{
		Interval:              cfg.Sweep.Interval,
		StaleAfter:            cfg.Sweep.StaleAfter,
		BatchSize:             cfg.Sweep.BatchSize,
		Concurrency:           cfg.Sweep.Concurrency,
		MaxInitiationAttempts: cfg.Sweep.MaxInitiationAttempts,
	}, logger)

	s.app = fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		Immutable:    true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	routes.Setup(s.app, routes.Deps{
		Cfg:      cfg,
		DB:       db,
		Cache:    cache,
		Logger:   logger,
		Wallets:  wallet.NewHandler(walletSvc),
		Payments: payments.NewHandler(paymentSvc, walletSvc),
		Webhooks: reconcile.NewWebhookHandler(reconciler, registry, cfg.Provider.CallbackSecret, logger),
	})

	logger.Info("server configured", "store", cfg.Store, "providers", strings.Join(registry.Names(), ","), "default_provider", registry.Default())
	return s, nil
}

func newStore(cfg config.Config, db *pgxpool.Pool) (ledger.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return ledger.NewMemoryStore(), nil
	case config.StorePostgres:
		if db == nil {
			return nil, errors.New("postgres store needs a database pool")
		}
		return ledger.NewPostgresStore(db, cfg.Guard.LockTimeout), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}

// newRegistry registers every enabled provider behind its own circuit breaker.
func newRegistry(cfg config.Config, logger *slog.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry(cfg.Provider.Default)
	settings := provider.BreakerSettings{
		MaxRequests:         cfg.Breaker.MaxRequests,
		Interval:            cfg.Breaker.Interval,
		Timeout:             cfg.Breaker.Timeout,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
	}
	for _, name := range cfg.Provider.Enabled {
		var gw provider.Gateway
		switch name {
		case orange.Name:
			gw = orange.New(orange.Config{
				BaseURL:         cfg.Orange.BaseURL,
				TokenURL:        cfg.Orange.TokenURL,
				ClientID:        cfg.Orange.ClientID,
				ClientSecret:    cfg.Orange.ClientSecret,
				SubscriptionKey: cfg.Orange.MerchantKey,
				SigningSecret:   cfg.Orange.SigningSecret,
				WebhookSecret:   cfg.Orange.WebhookSecret,
				NotifyURL:       cfg.Orange.NotifyURL,
				Timeout:         cfg.Provider.Timeout,
			}, nil)
		case mvola.Name:
			gw = mvola.New(mvola.Config{
				BaseURL:        cfg.MVola.BaseURL,
				TokenURL:       cfg.MVola.TokenURL,
				ClientID:       cfg.MVola.ClientID,
				ClientSecret:   cfg.MVola.ClientSecret,
				MerchantMSISDN: cfg.MVola.MerchantMSISDN,
				PartnerName:    cfg.MVola.PartnerName,
				CallbackURL:    cfg.MVola.CallbackURL,
				Timeout:        cfg.Provider.Timeout,
			}, nil)
		case card.Name:
			if cfg.Card.BaseURL == "" {
				return nil, errors.New("CARD_BASE_URL must be set when the card provider is enabled")
			}
			gw = card.New(card.Config{BaseURL: cfg.Card.BaseURL, APIKey: cfg.Card.APIKey, Timeout: cfg.Provider.Timeout}, nil)
		case sandbox.Name:
			if cfg.IsProduction() {
				return nil, errors.New("sandbox provider is not allowed in production")
			}
			gw = sandbox.New(provider.StatusSuccess)
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		registry.Register(provider.WithBreaker(gw, settings, logger))
	}
	if _, err := registry.Get(""); err != nil {
		return nil, fmt.Errorf("default provider %q is not enabled: %w", cfg.Provider.Default, err)
	}
	return registry, nil
}

// StartSweeper launches the reconciliation sweeper. Only the first call has
// an effect, and none after Shutdown.
func (s *Server) StartSweeper() {
	s.sweepOnce.Do(func() {
		go func() {
			defer close(s.swept)
			if err := s.sweeper.Run(s.sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("sweeper stopped", "error", err)
			}
		}()
	})
}

// Listen starts the reconciliation sweeper and then the HTTP server.
func (s *Server) Listen() error {
	s.StartSweeper()
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server, waits for the running sweep and
// closes owned connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.stopSweep()
	// a sweeper that never started must not start now
	s.sweepOnce.Do(func() { close(s.swept) })
	select {
	case <-s.swept:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	for _, closeFn := range s.closers {
		err = errors.Join(err, closeFn())
	}
	return err
}
