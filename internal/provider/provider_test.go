package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletcore/internal/logging"
)

func TestMapStatus(t *testing.T) {
	cases := map[string]Status{
		"SUCCESS":    StatusSuccess,
		"completed":  StatusSuccess,
		"FAILED":     StatusFailed,
		"declined":   StatusFailed,
		"CANCELED":   StatusCancelled,
		" pending ":  StatusPending,
		"INITIATED":  StatusPending,
		"":           StatusUnknown,
		"SOMETHING?": StatusUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, MapStatus(raw), raw)
	}
	assert.True(t, StatusCancelled.Final())
	assert.False(t, StatusPending.Final())
}

func TestHTTPClient_ClassifiesResponses(t *testing.T) {
	var seenSignature atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenSignature.Store(r.Header.Get("X-Test"))
		switch r.URL.Path {
		case "/ok":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "PENDING"})
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/bad":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"invalid msisdn"}`))
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL+"/", nil, 50*time.Millisecond, func(req *http.Request, body []byte) {
		req.Header.Set("X-Test", string(body))
	})
	ctx := context.Background()

	var out struct {
		Status string `json:"status"`
	}
	require.NoError(t, client.Call(ctx, http.MethodPost, "/ok", map[string]int{"a": 1}, &out))
	assert.Equal(t, "PENDING", out.Status)
	assert.Equal(t, `{"a":1}`, seenSignature.Load())

	assert.ErrorIs(t, client.Call(ctx, http.MethodGet, "/missing", nil, nil), ErrNotFound)
	err := client.Call(ctx, http.MethodGet, "/bad", nil, nil)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "invalid msisdn")
	assert.ErrorIs(t, client.Call(ctx, http.MethodGet, "/down", nil, nil), ErrUnavailable)
	assert.ErrorIs(t, client.Call(ctx, http.MethodGet, "/slow", nil, nil), ErrUnavailable, "a timeout is never a failure")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry("stub")
	r.Register(&stubGateway{name: "stub"})
	r.Register(&stubGateway{name: "other"})

	gw, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "stub", gw.Name())

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Equal(t, []string{"other", "stub"}, r.Names())
	assert.Equal(t, "stub", r.Default())
}

type stubGateway struct {
	name  string
	err   error
	calls atomic.Int32
}

func (s *stubGateway) Name() string { return s.name }

func (s *stubGateway) InitiateCollection(context.Context, Request) (Result, error) {
	s.calls.Add(1)
	return Result{ProviderReference: "ref", Status: StatusPending}, s.err
}

func (s *stubGateway) InitiatePayout(context.Context, Request) (Result, error) {
	s.calls.Add(1)
	return Result{}, s.err
}

func (s *stubGateway) QueryStatus(context.Context, Lookup) (Result, error) {
	s.calls.Add(1)
	return Result{}, s.err
}

func (s *stubGateway) Refund(context.Context, RefundRequest) (Result, error) {
	s.calls.Add(1)
	return Result{}, s.err
}

func (s *stubGateway) ParseCallback([]byte) (Callback, error) {
	return Callback{}, nil
}

type verifyingGateway struct {
	stubGateway
}

func (v *verifyingGateway) VerifyCallback(body []byte, _ http.Header) bool {
	return string(body) == "signed"
}

func TestWithBreaker_OpensOnTransportFailures(t *testing.T) {
	stub := &stubGateway{name: "stub", err: ErrUnavailable}
	gw := WithBreaker(stub, BreakerSettings{ConsecutiveFailures: 3, Timeout: time.Minute}, logging.Discard())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := gw.InitiateCollection(ctx, Request{})
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	_, err := gw.QueryStatus(ctx, Lookup{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), stub.calls.Load(), "open breaker does not reach the provider")
}

func TestWithBreaker_RejectionsKeepCircuitClosed(t *testing.T) {
	stub := &stubGateway{name: "stub", err: ErrRejected}
	gw := WithBreaker(stub, BreakerSettings{ConsecutiveFailures: 2, Timeout: time.Minute}, logging.Discard())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := gw.InitiatePayout(ctx, Request{})
		assert.ErrorIs(t, err, ErrRejected)
		assert.False(t, errors.Is(err, ErrUnavailable))
	}
	assert.Equal(t, int32(5), stub.calls.Load())

	stub.err = nil
	res, err := gw.InitiateCollection(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, "ref", res.ProviderReference)
}

func TestVerifyCallback_UnwrapsDecorators(t *testing.T) {
	gw := WithBreaker(&verifyingGateway{stubGateway{name: "v"}}, BreakerSettings{}, logging.Discard())
	assert.True(t, VerifyCallback(gw, []byte("signed"), nil))
	assert.False(t, VerifyCallback(gw, []byte("forged"), nil))
	assert.True(t, VerifyCallback(&stubGateway{name: "plain"}, []byte("anything"), nil))
}
