// Package sandbox is an in-process payment rail for development and tests.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletcore/internal/provider"
)

const Name = "sandbox"

// Outcome scripts the answer to an initiation. With Err set the call fails;
// Reached additionally records the transaction as if the request had landed
// before the failure.
type Outcome struct {
	Status  provider.Status
	Err     error
	Reached bool
}

type entry struct {
	kind      provider.Kind
	reference string
	status    provider.Status
	amount    decimal.Decimal
}

// Gateway answers every initiation with the fallback outcome unless one was
// scripted for the external id.
type Gateway struct {
	mu       sync.Mutex
	fallback Outcome
	scripted map[string]Outcome
	entries  map[string]*entry
	refs     map[string]string
	calls    map[string]int
}

func New(initial provider.Status) *Gateway {
	if initial == "" {
		initial = provider.StatusSuccess
	}
	return &Gateway{
		fallback: Outcome{Status: initial},
		scripted: make(map[string]Outcome),
		entries:  make(map[string]*entry),
		refs:     make(map[string]string),
		calls:    make(map[string]int),
	}
}

func (g *Gateway) Name() string { return Name }

// Script fixes the answer to the next initiations for externalID.
func (g *Gateway) Script(externalID string, o Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripted[externalID] = o
}

// SetFallback changes the answer for external ids without a script.
func (g *Gateway) SetFallback(o Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fallback = o
}

// Settle changes what status queries report for externalID.
func (g *Gateway) Settle(externalID string, status provider.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[externalID]; ok {
		e.status = status
	}
}

// Reference returns the provider reference issued for externalID.
func (g *Gateway) Reference(externalID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[externalID]; ok {
		return e.reference
	}
	return ""
}

// Calls counts invocations of op ("collection", "payout", "status", "refund").
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *Gateway) InitiateCollection(ctx context.Context, req provider.Request) (provider.Result, error) {
	return g.initiate(ctx, provider.KindCollection, req)
}

func (g *Gateway) InitiatePayout(ctx context.Context, req provider.Request) (provider.Result, error) {
	return g.initiate(ctx, provider.KindPayout, req)
}

func (g *Gateway) initiate(ctx context.Context, kind provider.Kind, req provider.Request) (provider.Result, error) {
	if err := ctx.Err(); err != nil {
		return provider.Result{}, fmt.Errorf("%w: %w", provider.ErrUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[string(kind)]++

	o, ok := g.scripted[req.ExternalID]
	if !ok {
		o = g.fallback
	}
	if o.Status == "" {
		o.Status = provider.StatusPending
	}
	if o.Err != nil && !o.Reached {
		return provider.Result{}, o.Err
	}
	e, exists := g.entries[req.ExternalID]
	if !exists {
		e = &entry{kind: kind, reference: "SBX-" + uuid.NewString(), status: o.Status, amount: req.Amount}
		g.entries[req.ExternalID] = e
		g.refs[e.reference] = req.ExternalID
	}
	if o.Err != nil {
		return provider.Result{}, o.Err
	}
	return g.result(e), nil
}

func (g *Gateway) QueryStatus(ctx context.Context, lookup provider.Lookup) (provider.Result, error) {
	if err := ctx.Err(); err != nil {
		return provider.Result{}, fmt.Errorf("%w: %w", provider.ErrUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["status"]++

	externalID := lookup.ExternalID
	if lookup.ProviderReference != "" {
		externalID = g.refs[lookup.ProviderReference]
	}
	e, ok := g.entries[externalID]
	if !ok {
		return provider.Result{}, fmt.Errorf("%w: %s", provider.ErrNotFound, externalID)
	}
	return g.result(e), nil
}

func (g *Gateway) Refund(ctx context.Context, req provider.RefundRequest) (provider.Result, error) {
	if err := ctx.Err(); err != nil {
		return provider.Result{}, fmt.Errorf("%w: %w", provider.ErrUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["refund"]++

	original, ok := g.entries[g.refs[req.ProviderReference]]
	if !ok {
		return provider.Result{}, fmt.Errorf("%w: %s", provider.ErrNotFound, req.ProviderReference)
	}
	if original.status != provider.StatusSuccess || req.Amount.GreaterThan(original.amount) {
		return provider.Result{}, fmt.Errorf("%w: refund not allowed", provider.ErrRejected)
	}
	o, ok := g.scripted[req.ExternalID]
	if ok && o.Err != nil {
		return provider.Result{}, o.Err
	}
	status := provider.StatusSuccess
	if ok && o.Status != "" {
		status = o.Status
	}
	e := &entry{kind: provider.KindCollection, reference: "SBX-" + uuid.NewString(), status: status, amount: req.Amount}
	if req.ExternalID != "" {
		g.entries[req.ExternalID] = e
		g.refs[e.reference] = req.ExternalID
	}
	return g.result(e), nil
}

// CallbackPayload is the webhook body the sandbox understands.
type CallbackPayload struct {
	ExternalID string          `json:"external_id"`
	Reference  string          `json:"reference"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency,omitempty"`
}

func (g *Gateway) ParseCallback(body []byte) (provider.Callback, error) {
	var p CallbackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return provider.Callback{}, fmt.Errorf("%w: %w", provider.ErrInvalidCallback, err)
	}
	if p.ExternalID == "" || p.Status == "" {
		return provider.Callback{}, fmt.Errorf("%w: external_id and status are required", provider.ErrInvalidCallback)
	}
	return provider.Callback{
		ExternalID:        p.ExternalID,
		ProviderReference: p.Reference,
		RawStatus:         p.Status,
		Status:            provider.MapStatus(p.Status),
		Amount:            p.Amount,
		Currency:          p.Currency,
	}, nil
}

func (g *Gateway) result(e *entry) provider.Result {
	raw := string(e.status)
	switch e.status {
	case provider.StatusSuccess:
		raw = "SUCCESS"
	case provider.StatusFailed:
		raw = "FAILED"
	case provider.StatusCancelled:
		raw = "CANCELLED"
	case provider.StatusPending:
		raw = "PENDING"
	}
	return provider.Result{
		ProviderReference: e.reference,
		Status:            e.status,
		RawStatus:         raw,
		Amount:            e.amount,
		Raw:               map[string]any{"status": raw, "kind": string(e.kind)},
	}
}
