package card

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletcore/internal/provider"
)

const Name = "card"

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Gateway connects to the card acquirer. Pull funds back wallet top-ups and
// push funds back payouts to a card. Approvals are synchronous.
type Gateway struct {
	http *provider.HTTPClient
}

func New(cfg Config, client *http.Client) *Gateway {
	return &Gateway{
		http: provider.NewHTTPClient(cfg.BaseURL, client, cfg.Timeout, provider.WithHeader("X-API-Key", cfg.APIKey)),
	}
}

func (g *Gateway) Name() string { return Name }

type fundsPayload struct {
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	CardRef     string      `json:"card_ref"`
	ExternalID  string      `json:"external_id"`
	Description string      `json:"description,omitempty"`
}

// decision mirrors the acquirer authorization answer.
type decision struct {
	Reference  string          `json:"reference"`
	ExternalID string          `json:"external_id"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
}

func (g *Gateway) InitiateCollection(ctx context.Context, req provider.Request) (provider.Result, error) {
	return g.authorize(ctx, "/pull-funds", req)
}

func (g *Gateway) InitiatePayout(ctx context.Context, req provider.Request) (provider.Result, error) {
	return g.authorize(ctx, "/push-funds", req)
}

func (g *Gateway) authorize(ctx context.Context, path string, req provider.Request) (provider.Result, error) {
	payload := fundsPayload{
		Amount:      json.Number(req.Amount.String()),
		Currency:    req.Currency,
		CardRef:     req.Party,
		ExternalID:  req.ExternalID,
		Description: req.Description,
	}
	var body decision
	if err := g.http.Call(ctx, http.MethodPost, path, payload, &body); err != nil {
		return provider.Result{}, fmt.Errorf("card authorization: %w", err)
	}
	return result(body), nil
}

func (g *Gateway) QueryStatus(ctx context.Context, lookup provider.Lookup) (provider.Result, error) {
	var path string
	switch {
	case lookup.ProviderReference != "":
		path = "/transactions/" + url.PathEscape(lookup.ProviderReference)
	case lookup.ExternalID != "":
		path = "/transactions?external_id=" + url.QueryEscape(lookup.ExternalID)
	default:
		return provider.Result{}, fmt.Errorf("%w: status lookup needs a reference", provider.ErrRejected)
	}
	var body decision
	if err := g.http.Call(ctx, http.MethodGet, path, nil, &body); err != nil {
		return provider.Result{}, fmt.Errorf("card status: %w", err)
	}
	return result(body), nil
}

func (g *Gateway) Refund(ctx context.Context, req provider.RefundRequest) (provider.Result, error) {
	payload := map[string]any{
		"amount":      json.Number(req.Amount.String()),
		"currency":    req.Currency,
		"reason":      req.Reason,
		"external_id": req.ExternalID,
	}
	var body decision
	path := "/transactions/" + url.PathEscape(req.ProviderReference) + "/refunds"
	if err := g.http.Call(ctx, http.MethodPost, path, payload, &body); err != nil {
		return provider.Result{}, fmt.Errorf("card refund: %w", err)
	}
	return result(body), nil
}

func (g *Gateway) ParseCallback(body []byte) (provider.Callback, error) {
	var d decision
	if err := json.Unmarshal(body, &d); err != nil {
		return provider.Callback{}, fmt.Errorf("%w: %w", provider.ErrInvalidCallback, err)
	}
	if d.ExternalID == "" || d.Status == "" {
		return provider.Callback{}, fmt.Errorf("%w: external_id and status are required", provider.ErrInvalidCallback)
	}
	return provider.Callback{
		ExternalID:        d.ExternalID,
		ProviderReference: d.Reference,
		RawStatus:         d.Status,
		Status:            provider.MapStatus(d.Status),
		Amount:            d.Amount,
	}, nil
}

func result(d decision) provider.Result {
	raw := map[string]any{"status": d.Status}
	if d.Reason != "" {
		raw["reason"] = d.Reason
	}
	return provider.Result{
		ProviderReference: d.Reference,
		Status:            provider.MapStatus(d.Status),
		RawStatus:         d.Status,
		Amount:            d.Amount,
		Raw:               raw,
	}
}
