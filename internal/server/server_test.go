package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletcore/internal/config"
	"github.com/congo-pay/walletcore/internal/logging"
)

func memoryConfig() config.Config {
	return config.Config{
		AppName:        "WalletCore",
		AppEnv:         "test",
		Port:           "0",
		Store:          config.StoreMemory,
		IdempotencyTTL: time.Minute,
		Wallet: config.WalletDefaults{
			Currency:     "XAF",
			DailyLimit:   decimal.NewFromInt(500_000),
			MonthlyLimit: decimal.NewFromInt(5_000_000),
			VoucherTTL:   time.Hour,
		},
		Guard:    config.GuardConfig{LockTTL: time.Second, LockTimeout: time.Second, MaxAttempts: 3},
		Provider: config.ProviderConfig{Enabled: []string{"sandbox"}, Default: "sandbox", Timeout: time.Second},
		Sweep:    config.SweepConfig{Interval: time.Minute, MaxInitiationAttempts: 3},
	}
}

func request(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	return requestAs(t, app, "u1", method, path, body)
}

func requestAs(t *testing.T, app *fiber.App, owner, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-Kind", "user")
	req.Header.Set("X-Owner-ID", owner)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestServerWiresMemoryStack(t *testing.T) {
	srv, err := New(memoryConfig(), nil, nil, logging.Discard())
	require.NoError(t, err)

	status, health := request(t, srv.app, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "memory", health["store"])

	status, w := request(t, srv.app, http.MethodPost, "/api/v1/wallets", `{}`)
	require.Equal(t, http.StatusCreated, status)
	id := w["id"].(string)

	status, deposit := request(t, srv.app, http.MethodPost, "/api/v1/wallets/"+id+"/deposits", `{"amount":"1000","payer":"242060000000"}`)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "completed", deposit["status"])

	status, balance := request(t, srv.app, http.MethodGet, "/api/v1/wallets/"+id+"/balance", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1000", balance["available"])

	status, _ = request(t, srv.app, http.MethodPost, "/webhooks/unknown", `{}`)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServerKeepsOwnerAcrossRequests(t *testing.T) {
	srv, err := New(memoryConfig(), nil, nil, logging.Discard())
	require.NoError(t, err)

	status, w := requestAs(t, srv.app, "u1", http.MethodPost, "/api/v1/wallets", `{}`)
	require.Equal(t, http.StatusCreated, status)
	id := w["id"].(string)

	status, _ = requestAs(t, srv.app, "u2", http.MethodGet, "/api/v1/wallets/"+id, "")
	assert.Equal(t, http.StatusForbidden, status)

	status, got := requestAs(t, srv.app, "u1", http.MethodGet, "/api/v1/wallets/"+id, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "u1", got["owner_id"])
}

func TestServerRejectsBadProviderSetup(t *testing.T) {
	cfg := memoryConfig()
	cfg.Provider.Enabled = []string{"sandbox", "paypal"}
	_, err := New(cfg, nil, nil, logging.Discard())
	assert.Error(t, err)

	cfg = memoryConfig()
	cfg.Provider.Default = "orange"
	_, err = New(cfg, nil, nil, logging.Discard())
	assert.Error(t, err)

	cfg = memoryConfig()
	cfg.AppEnv = "production"
	_, err = New(cfg, nil, nil, logging.Discard())
	assert.Error(t, err, "production needs redis")

	cfg = memoryConfig()
	cfg.Store = config.StorePostgres
	_, err = New(cfg, nil, nil, logging.Discard())
	assert.Error(t, err)
}

func TestServerShutdownStopsSweeper(t *testing.T) {
	srv, err := New(memoryConfig(), nil, nil, logging.Discard())
	require.NoError(t, err)

	srv.StartSweeper()
	srv.StartSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	select {
	case <-srv.swept:
	case <-time.After(time.Second):
		t.Fatal("sweeper still running after shutdown")
	}
}

func TestServerShutdownRacesStart(t *testing.T) {
	srv, err := New(memoryConfig(), nil, nil, logging.Discard())
	require.NoError(t, err)

	started := make(chan struct{})
	go func() {
		defer close(started)
		srv.StartSweeper()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	<-started

	srv.StartSweeper()
	select {
	case <-srv.swept:
	case <-time.After(time.Second):
		t.Fatal("sweeper outlived shutdown")
	}
}
