package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultAppName         = "WalletCore"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultStore           = "postgres"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultCurrency        = "XAF"
	defaultDailyLimit      = "500000"
	defaultMonthlyLimit    = "5000000"
	defaultVoucherTTL      = 24 * time.Hour
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LogFormat      string
	Store          string
	DatabaseURL    string
	DBMaxConns     int
	DBMinConns     int
	RedisURL       string
	RunMigrations  bool
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	Wallet   WalletDefaults
	Guard    GuardConfig
	Provider ProviderConfig
	Orange   OrangeConfig
	MVola    MVolaConfig
	Card     CardConfig
	Breaker  BreakerConfig
	Sweep    SweepConfig

	AMQPURL      string
	AMQPExchange string
}

// WalletDefaults apply to wallets created without explicit settings.
type WalletDefaults struct {
	Currency     string
	DailyLimit   decimal.Decimal
	MonthlyLimit decimal.Decimal
	VoucherTTL   time.Duration
}

// GuardConfig tunes per-wallet locking.
type GuardConfig struct {
	LockTTL     time.Duration
	LockTimeout time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// ProviderConfig selects and bounds external payment rails.
type ProviderConfig struct {
	Enabled        []string
	Default        string
	Timeout        time.Duration
	CallbackSecret string
}

type OrangeConfig struct {
	BaseURL       string
	TokenURL      string
	ClientID      string
	ClientSecret  string
	MerchantKey   string
	SigningSecret string
	WebhookSecret string
	NotifyURL     string
}

type MVolaConfig struct {
	BaseURL        string
	TokenURL       string
	ClientID       string
	ClientSecret   string
	MerchantMSISDN string
	PartnerName    string
	CallbackURL    string
}

type CardConfig struct {
	BaseURL string
	APIKey  string
}

// BreakerConfig feeds the per-provider circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// SweepConfig drives the reconciliation poller.
type SweepConfig struct {
	Interval              time.Duration
	StaleAfter            time.Duration
	BatchSize             int
	Concurrency           int
	MaxInitiationAttempts int
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	var p parser
	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		Store:          strings.ToLower(getEnv("STORE_BACKEND", defaultStore)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DBMaxConns:     p.int("DB_MAX_CONNS", 10),
		DBMinConns:     p.int("DB_MIN_CONNS", 0),
		RedisURL:       os.Getenv("REDIS_URL"),
		RunMigrations:  p.bool("RUN_MIGRATIONS", true),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
		Wallet: WalletDefaults{
			Currency:     strings.ToUpper(getEnv("DEFAULT_CURRENCY", defaultCurrency)),
			DailyLimit:   p.decimal("DEFAULT_DAILY_LIMIT", defaultDailyLimit),
			MonthlyLimit: p.decimal("DEFAULT_MONTHLY_LIMIT", defaultMonthlyLimit),
			VoucherTTL:   p.duration("VOUCHER_TTL", defaultVoucherTTL),
		},
		Guard: GuardConfig{
			LockTTL:     p.duration("LOCK_TTL", 10*time.Second),
			LockTimeout: p.duration("LOCK_TIMEOUT", 5*time.Second),
			MaxAttempts: p.int("LOCK_MAX_ATTEMPTS", 5),
			BaseBackoff: p.duration("LOCK_BASE_BACKOFF", 20*time.Millisecond),
			MaxBackoff:  p.duration("LOCK_MAX_BACKOFF", time.Second),
		},
		Provider: ProviderConfig{
			Enabled:        splitList(getEnv("PROVIDERS", "sandbox")),
			Default:        getEnv("DEFAULT_PROVIDER", "sandbox"),
			Timeout:        p.duration("PROVIDER_TIMEOUT", 15*time.Second),
			CallbackSecret: os.Getenv("CALLBACK_SECRET"),
		},
		Orange: OrangeConfig{
			BaseURL:       getEnv("ORANGE_BASE_URL", "https://api.orange.com/orange-money-webpay/dev/v1"),
			TokenURL:      getEnv("ORANGE_TOKEN_URL", "https://api.orange.com/oauth/v3/token"),
			ClientID:      os.Getenv("ORANGE_CLIENT_ID"),
			ClientSecret:  os.Getenv("ORANGE_CLIENT_SECRET"),
			MerchantKey:   os.Getenv("ORANGE_MERCHANT_KEY"),
			SigningSecret: os.Getenv("ORANGE_SIGNING_SECRET"),
			WebhookSecret: os.Getenv("ORANGE_WEBHOOK_SECRET"),
			NotifyURL:     os.Getenv("ORANGE_NOTIFY_URL"),
		},
		MVola: MVolaConfig{
			BaseURL:        getEnv("MVOLA_BASE_URL", "https://devapi.mvola.mg"),
			TokenURL:       getEnv("MVOLA_TOKEN_URL", "https://devapi.mvola.mg/token"),
			ClientID:       os.Getenv("MVOLA_CLIENT_ID"),
			ClientSecret:   os.Getenv("MVOLA_CLIENT_SECRET"),
			MerchantMSISDN: os.Getenv("MVOLA_MERCHANT_MSISDN"),
			PartnerName:    getEnv("MVOLA_PARTNER_NAME", defaultAppName),
			CallbackURL:    os.Getenv("MVOLA_CALLBACK_URL"),
		},
		Card: CardConfig{
			BaseURL: os.Getenv("CARD_BASE_URL"),
			APIKey:  os.Getenv("CARD_API_KEY"),
		},
		Breaker: BreakerConfig{
			MaxRequests:         uint32(p.int("BREAKER_MAX_REQUESTS", 1)),
			Interval:            p.duration("BREAKER_INTERVAL", time.Minute),
			Timeout:             p.duration("BREAKER_TIMEOUT", 30*time.Second),
			ConsecutiveFailures: uint32(p.int("BREAKER_CONSECUTIVE_FAILURES", 5)),
		},
		Sweep: SweepConfig{
			Interval:              p.duration("SWEEP_INTERVAL", time.Minute),
			StaleAfter:            p.duration("SWEEP_STALE_AFTER", 5*time.Minute),
			BatchSize:             p.int("SWEEP_BATCH_SIZE", 100),
			Concurrency:           p.int("SWEEP_CONCURRENCY", 4),
			MaxInitiationAttempts: p.int("MAX_INITIATION_ATTEMPTS", 3),
		},
		AMQPURL:      os.Getenv("AMQP_URL"),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "wallet.events"),
	}
	if p.err != nil {
		return Config{}, p.err
	}

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv(idemTTLSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLSecondsEnvVar, err)
		}
		cfg.IdempotencyTTL = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(idemTTLDurEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLDurEnvVar, err)
		}
		cfg.IdempotencyTTL = d
	}

	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
	case StoreMemory:
	default:
		return Config{}, fmt.Errorf("unknown STORE_BACKEND %q", cfg.Store)
	}

	if cfg.Sweep.MaxInitiationAttempts < 1 {
		return Config{}, fmt.Errorf("MAX_INITIATION_ATTEMPTS must be at least 1")
	}
	if !cfg.Wallet.DailyLimit.IsPositive() || !cfg.Wallet.MonthlyLimit.IsPositive() {
		return Config{}, fmt.Errorf("wallet limits must be positive")
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsProduction reports whether the service runs in production mode.
func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(strings.ToLower(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return d
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return b
}

func (p *parser) decimal(key, fallback string) decimal.Decimal {
	v := getEnv(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, err)
		return decimal.RequireFromString(fallback)
	}
	return d
}
