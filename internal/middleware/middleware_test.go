package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletcore/internal/ledger"
)

func TestOwnerReference(t *testing.T) {
	app := fiber.New(fiber.Config{Immutable: true})
	app.Use(RequestID(), OwnerReference())
	app.Get("/me", func(c *fiber.Ctx) error {
		owner, ok := OwnerFrom(c)
		require.True(t, ok)
		return c.JSON(fiber.Map{"kind": owner.Kind, "id": owner.ID, "request_id": RequestIDFrom(c.UserContext())})
	})

	req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	req = httptest.NewRequest(fiber.MethodGet, "/me", nil)
	req.Header.Set(ownerKindHeader, "admin")
	req.Header.Set(ownerIDHeader, "adm-1")
	req.Header.Set(requestIDHeader, "req-42")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-42", resp.Header.Get(requestIDHeader))

	req = httptest.NewRequest(fiber.MethodGet, "/me", nil)
	req.Header.Set(ownerKindHeader, "merchant")
	req.Header.Set(ownerIDHeader, "m-1")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

type payload struct {
	WalletID string `json:"wallet_id" validate:"required"`
	Amount   string `json:"amount" validate:"required,positive_amount"`
	Kind     string `json:"kind" validate:"omitempty,oneof=a b"`
}

func TestBind(t *testing.T) {
	app := fiber.New(fiber.Config{Immutable: true})
	app.Post("/", func(c *fiber.Ctx) error {
		var p payload
		if err := Bind(c, &p); err != nil {
			return err
		}
		return c.SendString(p.WalletID)
	})

	cases := []struct {
		body   string
		status int
		msg    string
	}{
		{`{"wallet_id":"w1","amount":"10.5"}`, fiber.StatusOK, "w1"},
		{`{"amount":"10"}`, fiber.StatusBadRequest, "wallet_id is required"},
		{`{"wallet_id":"w1","amount":"-1"}`, fiber.StatusBadRequest, "amount must be a positive amount"},
		{`{"wallet_id":"w1","amount":"0.005"}`, fiber.StatusBadRequest, "amount must be a positive amount"},
		{`{"wallet_id":"w1","amount":"1.234"}`, fiber.StatusBadRequest, "amount must be a positive amount"},
		{`{"wallet_id":"w1","amount":"1","kind":"z"}`, fiber.StatusBadRequest, "kind must be one of: a b"},
		{`{not json`, fiber.StatusBadRequest, "invalid request body"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(fiber.MethodPost, "/", strings.NewReader(tc.body))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, tc.status, resp.StatusCode, tc.body)
		msg, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, tc.msg, string(msg), tc.body)
	}
}

func TestOwnerFromWithoutMiddleware(t *testing.T) {
	app := fiber.New(fiber.Config{Immutable: true})
	app.Get("/", func(c *fiber.Ctx) error {
		_, ok := OwnerFrom(c)
		assert.False(t, ok)
		return c.JSON(ledger.Owner{})
	})
	_, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
}
