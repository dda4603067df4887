package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable covers network failures, timeouts, 5xx answers and an
	// open circuit. The outcome of the call is unknown and nothing may be
	// concluded about the transaction.
	ErrUnavailable = errors.New("payment provider unavailable")

	// ErrRejected is a definitive refusal by the provider.
	ErrRejected = errors.New("payment provider rejected the request")

	// ErrNotFound is returned by status queries for an id the provider never saw.
	ErrNotFound = errors.New("provider has no such transaction")

	ErrUnsupported     = errors.New("operation not supported by provider")
	ErrUnknownProvider = errors.New("unknown payment provider")
	ErrInvalidCallback = errors.New("invalid provider callback")
)

// Status is the normalized provider outcome.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusUnknown   Status = "unknown"
)

// Final reports whether the provider will not change its answer.
func (s Status) Final() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// MapStatus normalizes the raw status vocabulary used by the supported rails.
func MapStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESS", "SUCCESSFUL", "SUCCEEDED", "COMPLETED", "APPROVED":
		return StatusSuccess
	case "FAILED", "FAILURE", "REJECTED", "DECLINED", "EXPIRED", "ERROR":
		return StatusFailed
	case "CANCELED", "CANCELLED":
		return StatusCancelled
	case "PENDING", "INITIATED", "PROCESSING", "ACCEPTED", "IN_PROGRESS":
		return StatusPending
	default:
		return StatusUnknown
	}
}

// Kind tells a status query which product the reference belongs to.
type Kind string

const (
	KindCollection Kind = "collection"
	KindPayout     Kind = "payout"
)

// Request describes money moving between the platform and an external party.
// Party is the payer for collections and the payee for payouts (an MSISDN or
// a card reference).
type Request struct {
	Amount      decimal.Decimal
	Currency    string
	Party       string
	ExternalID  string
	Description string
}

// Result is a provider answer. Raw keeps the decoded body for audit logs.
type Result struct {
	ProviderReference string
	Status            Status
	RawStatus         string
	Amount            decimal.Decimal
	Raw               map[string]any
}

// Lookup identifies a transaction for a status query. ProviderReference wins
// over ExternalID when both are set.
type Lookup struct {
	Kind              Kind
	ProviderReference string
	ExternalID        string
}

type RefundRequest struct {
	ProviderReference string
	Amount            decimal.Decimal
	Currency          string
	Reason            string
	ExternalID        string
}

// Callback is an asynchronous notification decoded from a provider webhook.
// A zero Amount means the provider did not send one.
type Callback struct {
	ExternalID        string
	ProviderReference string
	RawStatus         string
	Status            Status
	Amount            decimal.Decimal
	Currency          string
}

// Gateway is one external payment rail.
type Gateway interface {
	Name() string
	InitiateCollection(ctx context.Context, req Request) (Result, error)
	InitiatePayout(ctx context.Context, req Request) (Result, error)
	QueryStatus(ctx context.Context, lookup Lookup) (Result, error)
	Refund(ctx context.Context, req RefundRequest) (Result, error)
	ParseCallback(body []byte) (Callback, error)
}

// Definitive reports whether err is a final provider answer rather than a
// transport problem.
func Definitive(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnsupported)
}

// CallbackVerifier is implemented by gateways that authenticate webhooks.
type CallbackVerifier interface {
	VerifyCallback(body []byte, header http.Header) bool
}

// VerifyCallback authenticates a webhook body with gw or the gateway it
// decorates. Gateways without a verifier accept every body.
func VerifyCallback(gw Gateway, body []byte, header http.Header) bool {
	for {
		if v, ok := gw.(CallbackVerifier); ok {
			return v.VerifyCallback(body, header)
		}
		u, ok := gw.(interface{ Unwrap() Gateway })
		if !ok {
			return true
		}
		gw = u.Unwrap()
	}
}
