package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/congo-pay/walletcore/internal/guard"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/notification"
	"github.com/congo-pay/walletcore/internal/provider"
	"github.com/congo-pay/walletcore/internal/reconcile"
	"github.com/congo-pay/walletcore/internal/txn"
	"github.com/congo-pay/walletcore/internal/voucher"
)

const tracerName = "github.com/congo-pay/walletcore/internal/payments"

var (
	// ErrSelfTransfer indicates the sender and recipient wallets are the same.
	ErrSelfTransfer = errors.New("cannot transfer to own wallet")
	// ErrCurrencyMismatch indicates the two wallets hold different currencies.
	ErrCurrencyMismatch = errors.New("wallet currencies differ")
	// ErrNotRefundable indicates the transaction is not a completed provider
	// collection.
	ErrNotRefundable = errors.New("transaction cannot be refunded")
)

const (
	metaParty    = "party"
	metaRefundOf = "refund_of"
)

// RecipientResolver finds the wallet behind a public wallet number.
type RecipientResolver interface {
	GetByNumber(ctx context.Context, number string) (ledger.Wallet, error)
}

// Deps aggregates the collaborators of the orchestrator.
type Deps struct {
	Store      ledger.Store
	Guard      *guard.Guard
	Machine    *txn.Machine
	Providers  *provider.Registry
	Reconciler *reconcile.Handler
	Vouchers   *voucher.Registry
	Recipients RecipientResolver
	Notifier   notification.Notifier
	Logger     *slog.Logger
	// CardProvider names the gateway used for card top-ups.
	CardProvider string
}

// Service coordinates deposits, withdrawals, transfers, vouchers and refunds.
// Balance changes always go through the guard or the state machine.
type Service struct {
	store        ledger.Store
	guard        *guard.Guard
	machine      *txn.Machine
	providers    *provider.Registry
	reconciler   *reconcile.Handler
	vouchers     *voucher.Registry
	recipients   RecipientResolver
	notifier     notification.Notifier
	logger       *slog.Logger
	tracer       trace.Tracer
	cardProvider string
}

// NewService constructs a payment service.
func NewService(d Deps) *Service {
	if d.CardProvider == "" {
		d.CardProvider = "card"
	}
	return &Service{
		store:        d.Store,
		guard:        d.Guard,
		machine:      d.Machine,
		providers:    d.Providers,
		reconciler:   d.Reconciler,
		vouchers:     d.Vouchers,
		recipients:   d.Recipients,
		notifier:     d.Notifier,
		logger:       d.Logger,
		tracer:       otel.Tracer(tracerName),
		cardProvider: d.CardProvider,
	}
}

// DepositInput pulls funds from an external payer into a wallet.
type DepositInput struct {
	WalletID       string
	Amount         decimal.Decimal
	Payer          string
	Provider       string
	Description    string
	IdempotencyKey string
}

// WithdrawalInput pushes funds from a wallet to an external payee.
type WithdrawalInput struct {
	WalletID       string
	Amount         decimal.Decimal
	Payee          string
	Provider       string
	Description    string
	IdempotencyKey string
}

// CardTopUpInput funds a wallet from a bank card.
type CardTopUpInput struct {
	WalletID       string
	Amount         decimal.Decimal
	CardRef        string
	Description    string
	IdempotencyKey string
}

// P2PInput moves funds to the wallet with the given number.
type P2PInput struct {
	SenderWalletID string
	Recipient      string
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
}

// P2PResult holds both legs of a completed transfer.
type P2PResult struct {
	Debit            ledger.Transaction
	Credit           ledger.Transaction
	SenderBalance    decimal.Decimal
	RecipientBalance decimal.Decimal
}

// RefundInput returns a completed deposit to its payer.
type RefundInput struct {
	TransactionID string
	Reason        string
}

// InitiateDeposit records a pending credit and asks the provider to collect
// from the payer. The wallet is credited only when the provider confirms.
func (s *Service) InitiateDeposit(ctx context.Context, in DepositInput) (t ledger.Transaction, err error) {
	ctx, span := s.startSpan(ctx, "payments.InitiateDeposit", attribute.String("wallet_id", in.WalletID), attribute.String("provider", in.Provider))
	defer func() { endSpan(span, t, err) }()

	return s.deposit(ctx, in, "")
}

// TopUpFromCard is a deposit through the card acquirer.
func (s *Service) TopUpFromCard(ctx context.Context, in CardTopUpInput) (t ledger.Transaction, err error) {
	ctx, span := s.startSpan(ctx, "payments.TopUpFromCard", attribute.String("wallet_id", in.WalletID))
	defer func() { endSpan(span, t, err) }()

	if strings.TrimSpace(in.CardRef) == "" {
		return ledger.Transaction{}, fmt.Errorf("card reference is required")
	}
	description := in.Description
	if description == "" {
		description = "card top-up"
	}
	return s.deposit(ctx, DepositInput{
		WalletID:       in.WalletID,
		Amount:         in.Amount,
		Payer:          in.CardRef,
		Provider:       s.cardProvider,
		Description:    description,
		IdempotencyKey: in.IdempotencyKey,
	}, ledger.MethodBankCard)
}

func (s *Service) deposit(ctx context.Context, in DepositInput, method ledger.PaymentMethod) (ledger.Transaction, error) {
	if !ledger.ValidAmount(in.Amount) {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	gw, err := s.providers.Get(in.Provider)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if existing, ok := s.replay(ctx, in.WalletID, in.IdempotencyKey); ok {
		return existing, nil
	}
	if in.Description == "" {
		in.Description = "deposit via " + gw.Name()
	}
	if method == "" {
		method = methodFor(gw.Name(), s.cardProvider)
	}

	t, err := s.machine.Open(ctx, ledger.Transaction{
		WalletID:       in.WalletID,
		Direction:      ledger.Credit,
		Category:       ledger.CategoryTopUp,
		Amount:         in.Amount,
		PaymentMethod:  method,
		Provider:       gw.Name(),
		ExternalID:     newExternalID(),
		IdempotencyKey: in.IdempotencyKey,
		Description:    in.Description,
		Metadata:       map[string]any{metaParty: in.Payer},
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		return t, nil
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.logger.Info("deposit opened", "transaction_id", t.ID, "wallet_id", t.WalletID, "provider", t.Provider, "amount", t.Amount.String())
	return s.initiate(ctx, gw, t, func(ctx context.Context) (provider.Result, error) {
		return gw.InitiateCollection(ctx, requestFor(t, in.Payer))
	})
}

// InitiateWithdrawal holds the amount on the wallet and asks the provider to
// pay the payee. The hold becomes a debit when the provider confirms and is
// released when it refuses.
func (s *Service) InitiateWithdrawal(ctx context.Context, in WithdrawalInput) (t ledger.Transaction, err error) {
	ctx, span := s.startSpan(ctx, "payments.InitiateWithdrawal", attribute.String("wallet_id", in.WalletID), attribute.String("provider", in.Provider))
	defer func() { endSpan(span, t, err) }()

	if !ledger.ValidAmount(in.Amount) {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	if strings.TrimSpace(in.Payee) == "" {
		return ledger.Transaction{}, fmt.Errorf("payee is required")
	}
	gw, err := s.providers.Get(in.Provider)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if existing, ok := s.replay(ctx, in.WalletID, in.IdempotencyKey); ok {
		return existing, nil
	}
	if in.Description == "" {
		in.Description = "withdrawal via " + gw.Name()
	}

	t, err = s.machine.OpenHold(ctx, ledger.Transaction{
		WalletID:       in.WalletID,
		Direction:      ledger.Debit,
		Category:       ledger.CategoryWithdrawal,
		Amount:         in.Amount,
		PaymentMethod:  methodFor(gw.Name(), s.cardProvider),
		Provider:       gw.Name(),
		ExternalID:     newExternalID(),
		IdempotencyKey: in.IdempotencyKey,
		Description:    in.Description,
		Metadata:       map[string]any{metaParty: in.Payee},
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		return t, nil
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.logger.Info("withdrawal opened", "transaction_id", t.ID, "wallet_id", t.WalletID, "provider", t.Provider, "amount", t.Amount.String())
	return s.initiate(ctx, gw, t, func(ctx context.Context) (provider.Result, error) {
		return gw.InitiatePayout(ctx, requestFor(t, in.Payee))
	})
}

// SendP2P debits the sender and credits the recipient in one unit of work.
// Both legs are recorded completed, or nothing is recorded.
func (s *Service) SendP2P(ctx context.Context, in P2PInput) (res P2PResult, err error) {
	ctx, span := s.startSpan(ctx, "payments.SendP2P", attribute.String("wallet_id", in.SenderWalletID))
	defer func() { endSpan(span, res.Debit, err) }()

	if !ledger.ValidAmount(in.Amount) {
		return P2PResult{}, ledger.ErrInvalidAmount
	}
	recipient, err := s.recipients.GetByNumber(ctx, in.Recipient)
	if err != nil {
		return P2PResult{}, fmt.Errorf("recipient %s: %w", in.Recipient, err)
	}
	if recipient.ID == in.SenderWalletID {
		return P2PResult{}, ErrSelfTransfer
	}
	if debit, ok := s.replay(ctx, in.SenderWalletID, in.IdempotencyKey); ok {
		return s.replayP2P(ctx, debit, in.IdempotencyKey)
	}

	err = s.guard.WithWalletsLock(ctx, []string{in.SenderWalletID, recipient.ID}, func(ctx context.Context, tx ledger.Tx, wallets map[string]*ledger.Wallet) error {
		sender, receiver := wallets[in.SenderWalletID], wallets[recipient.ID]
		if sender.Currency != receiver.Currency {
			return fmt.Errorf("%w: %s to %s", ErrCurrencyMismatch, sender.Currency, receiver.Currency)
		}
		if err := s.guard.CanSpend(ctx, tx, *sender, in.Amount); err != nil {
			return err
		}
		senderBalance, err := tx.ApplyBalanceDelta(ctx, sender.ID, in.Amount.Neg())
		if err != nil {
			return err
		}
		if err := tx.AddSpent(ctx, sender.ID, in.Amount); err != nil {
			return err
		}
		recipientBalance, err := tx.ApplyBalanceDelta(ctx, receiver.ID, in.Amount)
		if err != nil {
			return err
		}
		description := in.Description
		if description == "" {
			description = "transfer to " + receiver.WalletNumber
		}
		debit, err := tx.CreateTransaction(ctx, ledger.Transaction{
			WalletID:             sender.ID,
			Direction:            ledger.Debit,
			Category:             ledger.CategoryTransfer,
			Amount:               in.Amount,
			Currency:             sender.Currency,
			Status:               ledger.StatusCompleted,
			PaymentMethod:        ledger.MethodWallet,
			CounterpartyWalletID: receiver.ID,
			IdempotencyKey:       in.IdempotencyKey,
			Description:          description,
		})
		if err != nil {
			return err
		}
		credit, err := tx.CreateTransaction(ctx, ledger.Transaction{
			WalletID:             receiver.ID,
			Direction:            ledger.Credit,
			Category:             ledger.CategoryTransfer,
			Amount:               in.Amount,
			Currency:             receiver.Currency,
			Status:               ledger.StatusCompleted,
			PaymentMethod:        ledger.MethodWallet,
			CounterpartyWalletID: sender.ID,
			IdempotencyKey:       creditKey(in.IdempotencyKey),
			Description:          "transfer from " + sender.WalletNumber,
			Metadata:             map[string]any{"debit_transaction_id": debit.ID},
		})
		if err != nil {
			return err
		}
		res = P2PResult{Debit: debit, Credit: credit, SenderBalance: senderBalance, RecipientBalance: recipientBalance}
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		if debit, ok := s.replay(ctx, in.SenderWalletID, in.IdempotencyKey); ok {
			return s.replayP2P(ctx, debit, in.IdempotencyKey)
		}
	}
	if err != nil {
		return P2PResult{}, err
	}

	s.logger.Info("p2p transfer completed", "debit_id", res.Debit.ID, "credit_id", res.Credit.ID,
		"from_wallet", in.SenderWalletID, "to_wallet", recipient.ID, "amount", in.Amount.String())
	s.notify(ctx, notification.Message{
		Kind:          notification.KindP2PTransfer,
		Destination:   recipient.ID,
		Body:          fmt.Sprintf("You received %s %s from wallet %s", in.Amount.StringFixed(2), res.Credit.Currency, res.Debit.WalletID),
		WalletID:      recipient.ID,
		TransactionID: res.Credit.ID,
		Amount:        in.Amount.StringFixed(2),
		Currency:      res.Credit.Currency,
		OccurredAt:    s.guard.Now(),
	})
	return res, nil
}

// creditKey derives the recipient leg's key so a sender's key never collides
// with one the recipient chose for its own operations.
func creditKey(key string) string {
	if key == "" {
		return ""
	}
	return key + ":credit"
}

func (s *Service) replayP2P(ctx context.Context, debit ledger.Transaction, key string) (P2PResult, error) {
	res := P2PResult{Debit: debit}
	if debit.CounterpartyWalletID != "" {
		if credit, err := s.store.GetTransactionByIdempotencyKey(ctx, debit.CounterpartyWalletID, creditKey(key)); err == nil {
			res.Credit = credit
		}
	}
	if w, err := s.store.GetWallet(ctx, debit.WalletID); err == nil {
		res.SenderBalance = w.Balance
	}
	return res, nil
}

// IssueQRVoucher creates a pending voucher a payer can redeem later.
func (s *Service) IssueQRVoucher(ctx context.Context, in voucher.IssueInput) (ledger.Voucher, error) {
	ctx, span := s.tracer.Start(ctx, "payments.IssueQRVoucher")
	defer span.End()
	v, err := s.vouchers.Issue(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}

// RedeemQRVoucher pays a voucher from the payer's wallet.
func (s *Service) RedeemQRVoucher(ctx context.Context, voucherID, payerWalletID string) (t ledger.Transaction, err error) {
	ctx, span := s.startSpan(ctx, "payments.RedeemQRVoucher", attribute.String("wallet_id", payerWalletID), attribute.String("voucher_id", voucherID))
	defer func() { endSpan(span, t, err) }()
	return s.vouchers.Redeem(ctx, voucherID, payerWalletID)
}

// GetVoucher returns a voucher by id.
func (s *Service) GetVoucher(ctx context.Context, id string) (ledger.Voucher, error) {
	return s.vouchers.Get(ctx, id)
}

// HandleProviderCallback applies a raw provider webhook body.
func (s *Service) HandleProviderCallback(ctx context.Context, providerName string, body []byte) (reconcile.Ack, error) {
	return s.reconciler.HandleCallback(ctx, providerName, body)
}

// GetTransaction returns the current state of a transaction.
func (s *Service) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// RefundDeposit sends a completed provider deposit back to its payer. The
// refund holds the amount like a withdrawal until the provider settles it. A
// deposit is refunded at most once.
func (s *Service) RefundDeposit(ctx context.Context, in RefundInput) (t ledger.Transaction, err error) {
	ctx, span := s.startSpan(ctx, "payments.RefundDeposit", attribute.String("refund_of", in.TransactionID))
	defer func() { endSpan(span, t, err) }()

	original, err := s.store.GetTransaction(ctx, in.TransactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if original.Direction != ledger.Credit || original.Category != ledger.CategoryTopUp ||
		original.Status != ledger.StatusCompleted || original.Provider == "" || original.ProviderReference == "" {
		return ledger.Transaction{}, fmt.Errorf("%w: %s is %s %s %s", ErrNotRefundable, original.ID, original.Status, original.Direction, original.Category)
	}
	gw, err := s.providers.Get(original.Provider)
	if err != nil {
		return ledger.Transaction{}, err
	}
	refundKey := "refund:" + original.ID
	if existing, ok := s.replay(ctx, original.WalletID, refundKey); ok {
		return existing, nil
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = "refund requested"
	}

	t, err = s.machine.OpenHold(ctx, ledger.Transaction{
		WalletID:       original.WalletID,
		Direction:      ledger.Debit,
		Category:       ledger.CategoryRefund,
		Amount:         original.Amount,
		PaymentMethod:  original.PaymentMethod,
		Provider:       original.Provider,
		ExternalID:     newExternalID(),
		IdempotencyKey: refundKey,
		Description:    "refund of " + original.Number + ": " + reason,
		Metadata:       map[string]any{metaRefundOf: original.ID},
	})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		return t, nil
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	s.logger.Info("refund opened", "transaction_id", t.ID, "refund_of", original.ID, "amount", t.Amount.String())
	return s.initiate(ctx, gw, t, func(ctx context.Context) (provider.Result, error) {
		return gw.Refund(ctx, refundRequestFor(t, original, reason))
	})
}

// RetryInitiation sends a transaction the provider never acknowledged again.
// Acknowledged and terminal transactions are returned unchanged.
func (s *Service) RetryInitiation(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	ctx, span := s.startSpan(ctx, "payments.RetryInitiation", attribute.String("transaction_id", t.ID))
	var err error
	defer func() { endSpan(span, t, err) }()

	if !t.Unacknowledged() {
		return t, nil
	}
	gw, err := s.providers.Get(t.Provider)
	if err != nil {
		return t, err
	}
	party, _ := t.Metadata[metaParty].(string)
	s.logger.Info("retrying provider initiation", "transaction_id", t.ID, "provider", t.Provider, "attempts", t.InitiationAttempts)

	switch {
	case t.Category == ledger.CategoryRefund:
		originalID, _ := t.Metadata[metaRefundOf].(string)
		original, lookupErr := s.store.GetTransaction(ctx, originalID)
		if lookupErr != nil {
			err = fmt.Errorf("refund %s: original %q: %w", t.ID, originalID, lookupErr)
			return t, err
		}
		t, err = s.initiate(ctx, gw, t, func(ctx context.Context) (provider.Result, error) {
			return gw.Refund(ctx, refundRequestFor(t, original, t.Description))
		})
	case t.Direction == ledger.Credit:
		t, err = s.initiate(ctx, gw, t, func(ctx context.Context) (provider.Result, error) {
			return gw.InitiateCollection(ctx, requestFor(t, party))
		})
	default:
		t, err = s.initiate(ctx, gw, t, func(ctx context.Context) (provider.Result, error) {
			return gw.InitiatePayout(ctx, requestFor(t, party))
		})
	}
	return t, err
}

// initiate calls the provider for a freshly opened transaction and applies
// its answer. An unreachable provider leaves the transaction pending for the
// sweeper; a refusal fails it and releases any hold.
func (s *Service) initiate(ctx context.Context, gw provider.Gateway, t ledger.Transaction, call func(context.Context) (provider.Result, error)) (ledger.Transaction, error) {
	res, err := call(ctx)
	if err != nil {
		if !provider.Definitive(err) {
			out, recErr := s.machine.RecordAttempt(ctx, t.ID, err)
			if recErr != nil {
				return t, recErr
			}
			return out.Transaction, nil
		}
		out, failErr := s.machine.Fail(ctx, t.ID, "provider rejected: "+err.Error(), txn.Resolution{ProviderStatus: "REJECTED"})
		if failErr != nil {
			return t, errors.Join(err, failErr)
		}
		s.logger.Warn("provider rejected transaction", "transaction_id", t.ID, "provider", gw.Name(), "error", err)
		return out.Transaction, err
	}

	ack, err := s.reconciler.Handle(ctx, reconcile.Notification{
		Provider:          gw.Name(),
		ExternalID:        t.ExternalID,
		ProviderReference: res.ProviderReference,
		RawStatus:         res.RawStatus,
		Status:            res.Status,
		Amount:            res.Amount,
	})
	if err != nil {
		return t, err
	}
	if res.ProviderReference == "" && ack.Transaction.Unacknowledged() {
		// An answer without a reference cannot be polled or matched later, so
		// it counts against the initiation attempts like an unreachable provider.
		out, recErr := s.machine.RecordAttempt(ctx, t.ID, fmt.Errorf("%w: %s answered without a reference", provider.ErrUnavailable, gw.Name()))
		if recErr != nil {
			return ack.Transaction, recErr
		}
		return out.Transaction, nil
	}
	return ack.Transaction, nil
}

func (s *Service) replay(ctx context.Context, walletID, key string) (ledger.Transaction, bool) {
	if key == "" {
		return ledger.Transaction{}, false
	}
	existing, err := s.store.GetTransactionByIdempotencyKey(ctx, walletID, key)
	if err != nil {
		return ledger.Transaction{}, false
	}
	s.logger.Info("idempotent replay", "transaction_id", existing.ID, "wallet_id", walletID)
	return existing, true
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed", "kind", msg.Kind, "transaction_id", msg.TransactionID, "error", err)
	}
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, t ledger.Transaction, err error) {
	if t.ID != "" {
		span.SetAttributes(attribute.String("transaction_id", t.ID), attribute.String("status", string(t.Status)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func requestFor(t ledger.Transaction, party string) provider.Request {
	return provider.Request{
		Amount:      t.Amount,
		Currency:    t.Currency,
		Party:       party,
		ExternalID:  t.ExternalID,
		Description: t.Description,
	}
}

func refundRequestFor(t, original ledger.Transaction, reason string) provider.RefundRequest {
	return provider.RefundRequest{
		ProviderReference: original.ProviderReference,
		Amount:            t.Amount,
		Currency:          t.Currency,
		Reason:            reason,
		ExternalID:        t.ExternalID,
	}
}

func methodFor(gateway, cardProvider string) ledger.PaymentMethod {
	if gateway == cardProvider {
		return ledger.MethodBankCard
	}
	return ledger.MethodMobileMoney
}

func newExternalID() string {
	return "WC-" + uuid.NewString()
}
