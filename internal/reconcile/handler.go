package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/provider"
	"github.com/congo-pay/walletcore/internal/txn"
)

const tracerName = "github.com/congo-pay/walletcore/internal/reconcile"

// ErrAmountMismatch means the provider reported a different amount than the
// one recorded. Nothing is applied.
var ErrAmountMismatch = errors.New("provider amount does not match transaction")

// Result describes what a notification did.
type Result string

const (
	// ResultApplied means the transaction moved to a new status.
	ResultApplied Result = "applied"
	// ResultDuplicate means the transaction was already terminal.
	ResultDuplicate Result = "duplicate"
	// ResultObserved means a non-final provider status was recorded.
	ResultObserved Result = "observed"
)

// Ack is returned for every accepted notification.
type Ack struct {
	Result      Result
	Transaction ledger.Transaction
}

// Notification is a provider report about one transaction, from a webhook or
// a status poll. Status is derived from RawStatus when empty; a zero Amount
// skips the amount check.
type Notification struct {
	Provider          string
	ExternalID        string
	ProviderReference string
	RawStatus         string
	Status            provider.Status
	Amount            decimal.Decimal
}

// Handler applies provider notifications to the ledger. Every delivery of the
// same final status changes the ledger at most once.
type Handler struct {
	store    ledger.Store
	machine  *txn.Machine
	registry *provider.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewHandler(store ledger.Store, machine *txn.Machine, registry *provider.Registry, logger *slog.Logger) *Handler {
	return &Handler{
		store:    store,
		machine:  machine,
		registry: registry,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

// HandleCallback decodes a raw webhook body with the named gateway and
// applies it.
func (h *Handler) HandleCallback(ctx context.Context, providerName string, body []byte) (Ack, error) {
	gw, err := h.registry.Get(providerName)
	if err != nil {
		return Ack{}, err
	}
	cb, err := gw.ParseCallback(body)
	if err != nil {
		h.logger.Warn("rejected provider callback", "provider", providerName, "error", err)
		return Ack{}, err
	}
	return h.Handle(ctx, Notification{
		Provider:          gw.Name(),
		ExternalID:        cb.ExternalID,
		ProviderReference: cb.ProviderReference,
		RawStatus:         cb.RawStatus,
		Status:            cb.Status,
		Amount:            cb.Amount,
	})
}

// Handle resolves the transaction by external id and moves it according to
// the reported status.
func (h *Handler) Handle(ctx context.Context, n Notification) (Ack, error) {
	ctx, span := h.tracer.Start(ctx, "reconcile.Handle", trace.WithAttributes(
		attribute.String("provider", n.Provider),
		attribute.String("external_id", n.ExternalID),
		attribute.String("provider_status", n.RawStatus),
	))
	defer span.End()

	ack, err := h.handle(ctx, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ack, err
	}
	span.SetAttributes(attribute.String("result", string(ack.Result)), attribute.String("transaction_id", ack.Transaction.ID))
	return ack, nil
}

func (h *Handler) handle(ctx context.Context, n Notification) (Ack, error) {
	if n.ExternalID == "" {
		return Ack{}, fmt.Errorf("%w: notification without external id", provider.ErrInvalidCallback)
	}
	t, err := h.store.GetTransactionByExternalID(ctx, n.ExternalID)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			h.logger.Warn("notification for unknown transaction", "provider", n.Provider, "external_id", n.ExternalID, "status", n.RawStatus)
		}
		return Ack{}, err
	}
	if n.Provider != "" && t.Provider != "" && n.Provider != t.Provider {
		h.logger.Warn("notification from unexpected provider", "provider", n.Provider, "expected", t.Provider, "transaction_id", t.ID)
		return Ack{}, fmt.Errorf("%w: external id %s belongs to %s", ledger.ErrTransactionNotFound, n.ExternalID, t.Provider)
	}
	if t.Status.Terminal() {
		h.logger.Info("duplicate notification", "transaction_id", t.ID, "status", t.Status, "provider_status", n.RawStatus)
		return Ack{Result: ResultDuplicate, Transaction: t}, nil
	}
	if !n.Amount.IsZero() && !n.Amount.Equal(t.Amount) {
		h.logger.Warn("notification amount mismatch", "transaction_id", t.ID, "expected", t.Amount.String(), "reported", n.Amount.String())
		return Ack{}, fmt.Errorf("%w: expected %s, got %s", ErrAmountMismatch, t.Amount.StringFixed(2), n.Amount.StringFixed(2))
	}

	status := n.Status
	if status == "" {
		status = provider.MapStatus(n.RawStatus)
	}
	res := txn.Resolution{ProviderReference: n.ProviderReference, ProviderStatus: n.RawStatus}

	var out txn.Outcome
	switch status {
	case provider.StatusSuccess:
		out, err = h.machine.Complete(ctx, t.ID, res)
	case provider.StatusFailed:
		out, err = h.machine.Fail(ctx, t.ID, failureReason(n), res)
	case provider.StatusCancelled:
		out, err = h.machine.Cancel(ctx, t.ID, failureReason(n), res)
	case provider.StatusPending:
		out, err = h.machine.MarkProcessing(ctx, t.ID, res)
		if err == nil && !out.Transaction.Status.Terminal() {
			return Ack{Result: ResultObserved, Transaction: out.Transaction}, nil
		}
	default:
		out, err = h.machine.Observe(ctx, t.ID, res)
		if err == nil && !out.Transaction.Status.Terminal() {
			h.logger.Warn("unrecognized provider status", "transaction_id", t.ID, "provider_status", n.RawStatus)
			return Ack{Result: ResultObserved, Transaction: out.Transaction}, nil
		}
	}
	if err != nil {
		return Ack{}, err
	}
	if !out.Applied {
		return Ack{Result: ResultDuplicate, Transaction: out.Transaction}, nil
	}
	h.logger.Info("transaction reconciled", "transaction_id", t.ID, "status", out.Transaction.Status, "provider", t.Provider)
	return Ack{Result: ResultApplied, Transaction: out.Transaction}, nil
}

func failureReason(n Notification) string {
	if n.RawStatus == "" {
		return "provider reported failure"
	}
	return "provider reported " + n.RawStatus
}
