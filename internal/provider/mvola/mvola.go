package mvola

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

const Name = "mvola"

const (
	typePayment  = "payment"
	typeTransfer = "transfer"
)

type Config struct {
	BaseURL        string
	TokenURL       string
	ClientID       string
	ClientSecret   string
	MerchantMSISDN string
	PartnerName    string
	CallbackURL    string
	Timeout        time.Duration
}

// Gateway drives MVola merchant pay. Collections use the payment type and
// payouts the transfer type.
type Gateway struct {
	http   *provider.HTTPClient
	config Config
}

// New builds a gateway. A nil client obtains tokens with the client
// credentials grant against cfg.TokenURL.
func New(cfg Config, client *http.Client) *Gateway {
	if client == nil {
		client = provider.ClientCredentialsClient(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, cfg.Timeout, "EXT_INT_MVOLA_SCOPE")
	}
	return &Gateway{
		http: provider.NewHTTPClient(cfg.BaseURL, client, cfg.Timeout,
			provider.WithHeader("X-Partner-Name", cfg.PartnerName),
			provider.WithHeader("X-Callback-URL", cfg.CallbackURL),
			provider.WithHeader("Version", "1.0"),
		),
		config: cfg,
	}
}

func (g *Gateway) Name() string { return Name }

type party struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type transactionPayload struct {
	Amount                                     json.Number `json:"amount"`
	Currency                                   string      `json:"currency"`
	DescriptionText                            string      `json:"descriptionText"`
	RequestingOrganisationTransactionReference string      `json:"requestingOrganisationTransactionReference"`
	RequestDate                                string      `json:"requestDate"`
	DebitParty                                 []party     `json:"debitParty"`
	CreditParty                                []party     `json:"creditParty"`
}

type initiation struct {
	Status              string `json:"status"`
	ServerCorrelationID string `json:"serverCorrelationId"`
	NotificationMethod  string `json:"notificationMethod"`
}

type statusBody struct {
	Status              string `json:"status"`
	ServerCorrelationID string `json:"serverCorrelationId"`
	ObjectReference     string `json:"objectReference"`
}

func (g *Gateway) InitiateCollection(ctx context.Context, req provider.Request) (provider.Result, error) {
	return g.initiate(ctx, typePayment, req, req.Party, g.config.MerchantMSISDN)
}

func (g *Gateway) InitiatePayout(ctx context.Context, req provider.Request) (provider.Result, error) {
	return g.initiate(ctx, typeTransfer, req, g.config.MerchantMSISDN, req.Party)
}

func (g *Gateway) initiate(ctx context.Context, kind string, req provider.Request, debit, credit string) (provider.Result, error) {
	payload := transactionPayload{
		Amount:          json.Number(req.Amount.String()),
		Currency:        currency(req.Currency),
		DescriptionText: req.Description,
		RequestDate:     time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		DebitParty:      []party{{Key: "msisdn", Value: debit}},
		CreditParty:     []party{{Key: "msisdn", Value: credit}},
	}
	payload.RequestingOrganisationTransactionReference = req.ExternalID
	var body initiation
	err := g.http.Call(ctx, http.MethodPost, "/mvola/mm/transactions/type/"+kind+"/1.0.0/", payload, &body,
		provider.WithHeader("X-Reference-Id", req.ExternalID))
	if err != nil {
		return provider.Result{}, fmt.Errorf("mvola %s: %w", kind, err)
	}
	if body.ServerCorrelationID == "" {
		// the request may have landed; a retry under the same X-Reference-Id is deduplicated
		return provider.Result{}, fmt.Errorf("%w: mvola %s answered %q without serverCorrelationId", provider.ErrUnavailable, kind, body.Status)
	}
	return provider.Result{
		ProviderReference: body.ServerCorrelationID,
		Status:            provider.MapStatus(body.Status),
		RawStatus:         body.Status,
		Raw:               map[string]any{"status": body.Status, "notificationMethod": body.NotificationMethod},
	}, nil
}

// QueryStatus needs the server correlation id returned at initiation. MVola
// offers no lookup by merchant reference.
func (g *Gateway) QueryStatus(ctx context.Context, lookup provider.Lookup) (provider.Result, error) {
	if lookup.ProviderReference == "" {
		return provider.Result{}, fmt.Errorf("%w: mvola status by external id", provider.ErrUnsupported)
	}
	var body statusBody
	path := "/mvola/mm/transactions/type/merchantpay/1.0.0/status/" + url.PathEscape(lookup.ProviderReference)
	if err := g.http.Call(ctx, http.MethodGet, path, nil, &body); err != nil {
		return provider.Result{}, fmt.Errorf("mvola status: %w", err)
	}
	return provider.Result{
		ProviderReference: lookup.ProviderReference,
		Status:            provider.MapStatus(body.Status),
		RawStatus:         body.Status,
		Raw:               map[string]any{"status": body.Status, "objectReference": body.ObjectReference},
	}, nil
}

func (g *Gateway) Refund(context.Context, provider.RefundRequest) (provider.Result, error) {
	return provider.Result{}, fmt.Errorf("%w: mvola refunds", provider.ErrUnsupported)
}

type callbackPayload struct {
	TransactionStatus                          string          `json:"transactionStatus"`
	ServerCorrelationID                        string          `json:"serverCorrelationId"`
	TransactionReference                       string          `json:"transactionReference"`
	RequestingOrganisationTransactionReference string          `json:"requestingOrganisationTransactionReference"`
	Amount                                     decimal.Decimal `json:"amount"`
	Currency                                   string          `json:"currency"`
}

func (g *Gateway) ParseCallback(body []byte) (provider.Callback, error) {
	var p callbackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return provider.Callback{}, fmt.Errorf("%w: %w", provider.ErrInvalidCallback, err)
	}
	if p.RequestingOrganisationTransactionReference == "" || p.TransactionStatus == "" {
		return provider.Callback{}, fmt.Errorf("%w: reference and status are required", provider.ErrInvalidCallback)
	}
	return provider.Callback{
		ExternalID:        p.RequestingOrganisationTransactionReference,
		ProviderReference: p.ServerCorrelationID,
		RawStatus:         p.TransactionStatus,
		Status:            provider.MapStatus(p.TransactionStatus),
		Amount:            p.Amount,
		Currency:          p.Currency,
	}, nil
}

// currency maps ISO codes to the label MVola expects.
func currency(code string) string {
	if code == "" || code == "MGA" {
		return "Ar"
	}
	return code
}
