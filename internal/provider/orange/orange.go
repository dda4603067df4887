package orange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletcore/internal/provider"
)

const Name = "orange"

// Config holds the Orange Money web-pay credentials.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	// SubscriptionKey is sent as Ocp-Apim-Subscription-Key when set.
	SubscriptionKey string
	// SigningSecret signs request bodies into X-Signature when set.
	SigningSecret string
	// WebhookSecret verifies the X-Signature of incoming callbacks.
	WebhookSecret string
	NotifyURL     string
	Timeout       time.Duration
}

// Gateway talks to Orange Money collections, payouts and refunds.
type Gateway struct {
	http   *provider.HTTPClient
	config Config
}

// New builds a gateway. A nil client obtains tokens with the client
// credentials grant against cfg.TokenURL.
func New(cfg Config, client *http.Client) *Gateway {
	if client == nil {
		client = provider.ClientCredentialsClient(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, cfg.Timeout)
	}
	return &Gateway{
		http: provider.NewHTTPClient(cfg.BaseURL, client, cfg.Timeout,
			provider.WithHeader("Ocp-Apim-Subscription-Key", cfg.SubscriptionKey),
			sign(cfg.SigningSecret),
		),
		config: cfg,
	}
}

func (g *Gateway) Name() string { return Name }

type collectionPayload struct {
	Amount         json.Number `json:"amount"`
	Currency       string      `json:"currency"`
	CustomerMSISDN string      `json:"customer_msisdn"`
	ExternalID     string      `json:"external_id"`
	PayeeNote      string      `json:"payee_note"`
	PayerMessage   string      `json:"payer_message"`
	CallbackURL    string      `json:"callback_url,omitempty"`
}

type payoutPayload struct {
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	PayeeMSISDN string      `json:"payee_msisdn"`
	ExternalID  string      `json:"external_id"`
	Description string      `json:"description"`
	CallbackURL string      `json:"callback_url,omitempty"`
}

type refundPayload struct {
	Amount     json.Number `json:"amount"`
	Reason     string      `json:"reason"`
	ExternalID string      `json:"external_id,omitempty"`
}

// transaction is the body Orange returns for payments, payouts and refunds.
type transaction struct {
	TransactionID string          `json:"transaction_id"`
	ID            string          `json:"id"`
	ExternalID    string          `json:"external_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentURL    string          `json:"payment_url"`
}

func (t transaction) reference() string {
	if t.TransactionID != "" {
		return t.TransactionID
	}
	return t.ID
}

func (g *Gateway) InitiateCollection(ctx context.Context, req provider.Request) (provider.Result, error) {
	description := req.Description
	if description == "" {
		description = "Wallet topup"
	}
	payload := collectionPayload{
		Amount:         amount(req.Amount),
		Currency:       req.Currency,
		CustomerMSISDN: req.Party,
		ExternalID:     req.ExternalID,
		PayeeNote:      description,
		PayerMessage:   description,
		CallbackURL:    g.config.NotifyURL,
	}
	return g.post(ctx, "/payments", payload)
}

func (g *Gateway) InitiatePayout(ctx context.Context, req provider.Request) (provider.Result, error) {
	description := req.Description
	if description == "" {
		description = "Wallet withdrawal"
	}
	payload := payoutPayload{
		Amount:      amount(req.Amount),
		Currency:    req.Currency,
		PayeeMSISDN: req.Party,
		ExternalID:  req.ExternalID,
		Description: description,
		CallbackURL: g.config.NotifyURL,
	}
	return g.post(ctx, "/payouts", payload)
}

// QueryStatus looks a transaction up by provider reference or, failing that,
// by the external id sent at initiation.
func (g *Gateway) QueryStatus(ctx context.Context, lookup provider.Lookup) (provider.Result, error) {
	base := "/payments"
	if lookup.Kind == provider.KindPayout {
		base = "/payouts"
	}
	var path string
	switch {
	case lookup.ProviderReference != "":
		path = base + "/" + url.PathEscape(lookup.ProviderReference)
	case lookup.ExternalID != "":
		path = base + "?external_id=" + url.QueryEscape(lookup.ExternalID)
	default:
		return provider.Result{}, fmt.Errorf("%w: status lookup needs a reference", provider.ErrRejected)
	}
	var body transaction
	if err := g.http.Call(ctx, http.MethodGet, path, nil, &body); err != nil {
		return provider.Result{}, fmt.Errorf("orange status: %w", err)
	}
	return result(body), nil
}

// Refund reverses a successful collection.
func (g *Gateway) Refund(ctx context.Context, req provider.RefundRequest) (provider.Result, error) {
	reason := req.Reason
	if reason == "" {
		reason = "Customer requested refund"
	}
	path := "/payments/" + url.PathEscape(req.ProviderReference) + "/refunds"
	return g.post(ctx, path, refundPayload{Amount: amount(req.Amount), Reason: reason, ExternalID: req.ExternalID})
}

type callbackPayload struct {
	ExternalID    string          `json:"external_id"`
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

func (g *Gateway) ParseCallback(body []byte) (provider.Callback, error) {
	var p callbackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return provider.Callback{}, fmt.Errorf("%w: %w", provider.ErrInvalidCallback, err)
	}
	if p.ExternalID == "" || p.Status == "" {
		return provider.Callback{}, fmt.Errorf("%w: external_id and status are required", provider.ErrInvalidCallback)
	}
	return provider.Callback{
		ExternalID:        p.ExternalID,
		ProviderReference: p.TransactionID,
		RawStatus:         p.Status,
		Status:            provider.MapStatus(p.Status),
		Amount:            p.Amount,
		Currency:          p.Currency,
	}, nil
}

// VerifyCallback checks the X-Signature header of a webhook body. Without a
// configured webhook secret every body is accepted.
func (g *Gateway) VerifyCallback(body []byte, header http.Header) bool {
	if g.config.WebhookSecret == "" {
		return true
	}
	return VerifySignature(g.config.WebhookSecret, body, header.Get("X-Signature"))
}

func (g *Gateway) post(ctx context.Context, path string, payload any) (provider.Result, error) {
	var body transaction
	if err := g.http.Call(ctx, http.MethodPost, path, payload, &body); err != nil {
		return provider.Result{}, fmt.Errorf("orange: %w", err)
	}
	return result(body), nil
}

func result(t transaction) provider.Result {
	raw := map[string]any{"status": t.Status, "external_id": t.ExternalID}
	if t.PaymentURL != "" {
		raw["payment_url"] = t.PaymentURL
	}
	return provider.Result{
		ProviderReference: t.reference(),
		Status:            provider.MapStatus(t.Status),
		RawStatus:         t.Status,
		Amount:            t.Amount,
		Raw:               raw,
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares signature against the HMAC of body in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

func sign(secret string) provider.RequestOption {
	return func(req *http.Request, body []byte) {
		if secret == "" || len(body) == 0 {
			return
		}
		req.Header.Set("X-Signature", Sign(secret, body))
	}
}

func amount(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
