package card

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletcore/internal/provider"
)

func TestGateway_Authorizations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/pull-funds":
			_, _ = w.Write([]byte(`{"reference":"acq-1","status":"approved","amount":2500}`))
		case "/push-funds":
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"reason":"card blocked"}`))
		case "/transactions":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	gw := New(Config{BaseURL: srv.URL, APIKey: "key", Timeout: time.Second}, srv.Client())
	ctx := context.Background()

	res, err := gw.InitiateCollection(ctx, provider.Request{Amount: decimal.NewFromInt(2500), Party: "card_tok_1", ExternalID: "TXN-1"})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusSuccess, res.Status)
	assert.Equal(t, "acq-1", res.ProviderReference)

	_, err = gw.InitiatePayout(ctx, provider.Request{Amount: decimal.NewFromInt(1), Party: "card_tok_1", ExternalID: "TXN-2"})
	assert.ErrorIs(t, err, provider.ErrRejected)

	_, err = gw.QueryStatus(ctx, provider.Lookup{ExternalID: "TXN-3"})
	assert.ErrorIs(t, err, provider.ErrNotFound)

	_, err = gw.Refund(ctx, provider.RefundRequest{ProviderReference: "acq-1", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, provider.ErrUnavailable)

	unauthorized := New(Config{BaseURL: srv.URL, Timeout: time.Second}, srv.Client())
	_, err = unauthorized.InitiateCollection(ctx, provider.Request{Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, provider.ErrUnavailable)
}
