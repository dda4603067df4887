package reconcile

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletcore/internal/logging"
)

func newWebhookApp(e *env, secret string) *fiber.App {
	app := fiber.New(fiber.Config{Immutable: true})
	h := NewWebhookHandler(e.handler, e.registry, secret, logging.Discard())
	app.Post("/webhooks/:provider", h.Receive)
	return app
}

func post(t *testing.T, app *fiber.App, path, body, token string) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(CallbackTokenHeader, token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	return resp, out
}

func TestWebhook_AppliesAndAcknowledgesDuplicates(t *testing.T) {
	e := newEnv(t, 0)
	tr := e.deposit(t, "dep-1", 900)
	app := newWebhookApp(e, "s3cret")
	body := `{"external_id":"dep-1","reference":"SBX-1","status":"SUCCESS","amount":"900"}`

	resp, out := post(t, app, "/webhooks/sandbox", body, "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "applied", out["result"])
	assert.Equal(t, tr.ID, out["transaction_id"])

	resp, out = post(t, app, "/webhooks/sandbox", body, "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", out["result"])
}

func TestWebhook_Rejections(t *testing.T) {
	e := newEnv(t, 0)
	e.deposit(t, "dep-1", 900)
	app := newWebhookApp(e, "s3cret")

	resp, _ := post(t, app, "/webhooks/sandbox", `{"external_id":"dep-1","status":"SUCCESS"}`, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = post(t, app, "/webhooks/nowhere", `{}`, "s3cret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = post(t, app, "/webhooks/sandbox", `{"status":"SUCCESS"}`, "s3cret")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, app, "/webhooks/sandbox", `{"external_id":"ghost","status":"SUCCESS"}`, "s3cret")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = post(t, app, "/webhooks/sandbox", `{"external_id":"dep-1","status":"SUCCESS","amount":"1"}`, "s3cret")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
