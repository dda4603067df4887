package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletcore/internal/guard"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/logging"
	"github.com/congo-pay/walletcore/internal/notification"
	"github.com/congo-pay/walletcore/internal/provider"
	"github.com/congo-pay/walletcore/internal/provider/sandbox"
	"github.com/congo-pay/walletcore/internal/reconcile"
	"github.com/congo-pay/walletcore/internal/txn"
	"github.com/congo-pay/walletcore/internal/voucher"
)

var errInjected = errors.New("injected failure")

// faultyStore fails credit inserts on demand so a unit of work can be broken
// half way.
type faultyStore struct {
	*ledger.MemoryStore
	failCredits atomic.Bool
}

func (s *faultyStore) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.MemoryStore.WithinTx(ctx, func(tx ledger.Tx) error {
		return fn(&faultyTx{Tx: tx, store: s})
	})
}

type faultyTx struct {
	ledger.Tx
	store *faultyStore
}

func (t *faultyTx) CreateTransaction(ctx context.Context, draft ledger.Transaction) (ledger.Transaction, error) {
	if draft.Direction == ledger.Credit && t.store.failCredits.Load() {
		return ledger.Transaction{}, errInjected
	}
	return t.Tx.CreateTransaction(ctx, draft)
}

type testNotifier struct {
	mu   sync.Mutex
	msgs []notification.Message
}

func (n *testNotifier) Send(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *testNotifier) last() notification.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 {
		return notification.Message{}
	}
	return n.msgs[len(n.msgs)-1]
}

// named serves a gateway under another registry name.
type named struct {
	provider.Gateway
	name string
}

func (n named) Name() string { return n.name }

// withoutReference drops the provider reference from initiation answers.
type withoutReference struct {
	provider.Gateway
}

func (g withoutReference) InitiatePayout(ctx context.Context, req provider.Request) (provider.Result, error) {
	res, err := g.Gateway.InitiatePayout(ctx, req)
	res.ProviderReference = ""
	return res, err
}

type storeResolver struct {
	store ledger.Store
}

func (r storeResolver) GetByNumber(ctx context.Context, number string) (ledger.Wallet, error) {
	return r.store.GetWalletByNumber(ctx, number)
}

type env struct {
	store    *faultyStore
	sandbox  *sandbox.Gateway
	card     *sandbox.Gateway
	registry *provider.Registry
	notifier *testNotifier
	svc      *Service
}

func newEnv(t *testing.T, initial provider.Status) *env {
	t.Helper()
	store := &faultyStore{MemoryStore: ledger.NewMemoryStore()}
	logger := logging.Discard()
	g := guard.New(store, nil, logger, guard.Options{})
	notifier := &testNotifier{}
	machine := txn.NewMachine(store, g, notifier, logger)
	sb := sandbox.New(initial)
	card := sandbox.New(provider.StatusSuccess)
	registry := provider.NewRegistry(sandbox.Name)
	registry.Register(sb)
	registry.Register(named{Gateway: card, name: "card"})
	svc := NewService(Deps{
		Store:        store,
		Guard:        g,
		Machine:      machine,
		Providers:    registry,
		Reconciler:   reconcile.NewHandler(store, machine, registry, logger),
		Vouchers:     voucher.NewRegistry(store, g, notifier, logger, 0, "XAF"),
		Recipients:   storeResolver{store: store},
		Notifier:     notifier,
		Logger:       logger,
		CardProvider: "card",
	})
	return &env{store: store, sandbox: sb, card: card, registry: registry, notifier: notifier, svc: svc}
}

func (e *env) wallet(t *testing.T, owner string, balance string) ledger.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := e.store.CreateWallet(ctx, ledger.Wallet{
		Owner:        ledger.Owner{Kind: ledger.OwnerUser, ID: owner},
		Currency:     "XAF",
		DailyLimit:   decimal.NewFromInt(500_000),
		MonthlyLimit: decimal.NewFromInt(5_000_000),
	})
	require.NoError(t, err)
	if amount := decimal.RequireFromString(balance); amount.IsPositive() {
		require.NoError(t, ledger.SeedBalance(ctx, e.store, w.ID, amount))
	}
	return w
}

func (e *env) reload(t *testing.T, id string) ledger.Wallet {
	t.Helper()
	w, err := e.store.GetWallet(context.Background(), id)
	require.NoError(t, err)
	return w
}

// assertLedger checks the balance against the completed entries.
func (e *env) assertLedger(t *testing.T, id string) {
	t.Helper()
	w := e.reload(t, id)
	sum, err := e.store.CompletedSum(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(sum), "balance %s, ledger %s", w.Balance, sum)
	assert.False(t, w.Balance.IsNegative())
	assert.False(t, w.Held.IsNegative())
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestWithdrawalCompletes(t *testing.T) {
	e := newEnv(t, provider.StatusSuccess)
	w := e.wallet(t, "u1", "100.00")

	tr, err := e.svc.InitiateWithdrawal(context.Background(), WithdrawalInput{WalletID: w.ID, Amount: dec("30.00"), Payee: "242060000000"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, tr.Status)
	assert.NotEmpty(t, tr.ProviderReference)
	assert.False(t, tr.Held)

	got := e.reload(t, w.ID)
	assert.True(t, got.Balance.Equal(dec("70.00")))
	assert.True(t, got.Held.IsZero())

	debits, err := e.store.ListTransactions(context.Background(), w.ID, ledger.TransactionFilter{Direction: ledger.Debit, Status: ledger.StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, debits, 1)
	e.assertLedger(t, w.ID)
}

func TestWithdrawalInsufficientFunds(t *testing.T) {
	e := newEnv(t, provider.StatusSuccess)
	w := e.wallet(t, "u1", "50.00")

	_, err := e.svc.InitiateWithdrawal(context.Background(), WithdrawalInput{WalletID: w.ID, Amount: dec("80.00"), Payee: "242060000000"})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	assert.True(t, e.reload(t, w.ID).Balance.Equal(dec("50.00")))
	debits, err := e.store.ListTransactions(context.Background(), w.ID, ledger.TransactionFilter{Direction: ledger.Debit})
	require.NoError(t, err)
	assert.Empty(t, debits)
	assert.Equal(t, 0, e.sandbox.Calls("payout"))
}

func TestWithdrawalValidation(t *testing.T) {
	e := newEnv(t, provider.StatusSuccess)
	w := e.wallet(t, "u1", "50.00")
	ctx := context.Background()

	_, err := e.svc.InitiateWithdrawal(ctx, WithdrawalInput{WalletID: w.ID, Amount: dec("0"), Payee: "p"})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = e.svc.InitiateWithdrawal(ctx, WithdrawalInput{WalletID: w.ID, Amount: dec("1"), Payee: "p", Provider: "pigeon"})
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
	_, err = e.svc.InitiateWithdrawal(ctx, WithdrawalInput{WalletID: w.ID, Amount: dec("1")})
	assert.Error(t, err)
}

func TestDepositCallbackAppliedOnce(t *testing.T) {
	e := newEnv(t, provider.StatusPending)
	w := e.wallet(t, "u1", "0")
	ctx := context.Background()

	tr, err := e.svc.InitiateDeposit(ctx, DepositInput{WalletID: w.ID, Amount: dec("20.00"), Payer: "242061111111"})
	require.NoError(t, err)
	assert.False(t, tr.Status.Terminal())
	assert.Equal(t, ledger.MethodMobileMoney, tr.PaymentMethod)
	require.NotEmpty(t, tr.ProviderReference)
	assert.True(t, e.reload(t, w.ID).Balance.IsZero())

	body, err := json.Marshal(sandbox.CallbackPayload{ExternalID: tr.ExternalID, Reference: tr.ProviderReference, Status: "SUCCESS", Amount: dec("20.00")})
	require.NoError(t, err)

	ack, err := e.svc.HandleProviderCallback(ctx, sandbox.Name, body)
	require.NoError(t, err)
	assert.Equal(t, reconcile.ResultApplied, ack.Result)

	ack, err = e.svc.HandleProviderCallback(ctx, sandbox.Name, body)
	require.NoError(t, err)
	assert.Equal(t, reconcile.ResultDuplicate, ack.Result)

	got, err := e.svc.GetTransaction(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	assert.True(t, e.reload(t, w.ID).Balance.Equal(dec("20.00")))
	e.assertLedger(t, w.ID)
}

func TestDepositIdempotencyKey(t *testing.T) {
	e := newEnv(t, provider.StatusPending)
	w := e.wallet(t, "u1", "0")
	ctx := context.Background()
	in := DepositInput{WalletID: w.ID, Amount: dec("5"), Payer: "242061111111", IdempotencyKey: "key-1"}

	first, err := e.svc.InitiateDeposit(ctx, in)
	require.NoError(t, err)
	second, err := e.svc.InitiateDeposit(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, e.sandbox.Calls("collection"))
}

func TestWithdrawalProviderUnavailableStaysPending(t *testing.T) {
	e := newEnv(t, provider.StatusSuccess)
	w := e.wallet(t, "u1", "100")
	e.sandbox.SetFallback(sandbox.Outcome{Err: fmt.Errorf("%w: timeout", provider.ErrUnavailable)})

	tr, err := e.svc.InitiateWithdrawal(context.Background(), WithdrawalInput{WalletID: w.ID, Amount: dec("40"), Payee: "242060000000"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, tr.Status)
	assert.Equal(t, 1, tr.InitiationAttempts)
	assert.True(t, tr.Held)

	got := e.reload(t, w.ID)
	assert.True(t, got.Balance.Equal(dec("100")))
	assert.True(t, got.Available().Equal(dec("60")))
	e.assertLedger(t, w.ID)
}

func TestWithdrawalRejectedReleasesHold(t *testing.T) {
	e := newEnv(t, provider.StatusSuccess)
	w := e.wallet(t, "u1", "100")
	e.sandbox.SetFallback(sandbox.Outcome{Err: fmt.Errorf("%w: payee blocked", provider.ErrRejected)})

	tr, err := e.svc.InitiateWithdrawal(context.Background(), WithdrawalInput{WalletID: w.ID, Amount: dec("40"), Payee: "242060000000"})
	require.ErrorIs(t, err, provider.ErrRejected)
	assert.Equal(t, ledger.StatusFailed, tr.Status)
	assert.NotEmpty(t, tr.FailureReason)
	assert.False(t, tr.Held)

	got := e.reload(t, w.ID)
	assert.True(t, got.Balance.Equal(dec("100")))
	assert.True(t, got.Held.IsZero())
	e.assertLedger(t, w.ID)
}

func TestWithdrawalImmediateFailure(t *testing.T) {
	e := newEnv(t, provider.StatusFailed)
	w := e.wallet(t, "u1", "100")

	tr, err := e.svc.InitiateWithdrawal(context.Background(), WithdrawalInput{WalletID: w.ID, Amount: dec("40"), Payee: "242060000000"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tr.Status)
	assert.True(t, e.reload(t, w.ID).Available().Equal(dec("100")))
}

func TestWithdrawalAnswerWithoutReferenceCountsAsAttempt(t *testing.T) {
	e := newEnv(t, provider.StatusPending)
	w := e.wallet(t, "u1", "100")
	ctx := context.Background()
	e.registry.Register(withoutReference{Gateway: e.sandbox})

	tr, err := e.svc.InitiateWithdrawal(ctx, WithdrawalInput{WalletID: w.ID, Amount: dec("30"), Payee: "242060000000"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, tr.Status)
	assert.Empty(t, tr.ProviderReference)
	assert.Equal(t, 1, tr.InitiationAttempts)
	assert.True(t, tr.Held)

	retried, err := e.svc.RetryInitiation(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, retried.Status)
	assert.Equal(t, 2, retried.InitiationAttempts)
	assert.Equal(t, 2, e.sandbox.Calls("payout"))

	got := e.reload(t, w.ID)
	assert.True(t, got.Balance.Equal(dec("100")))
	assert.True(t, got.Available().Equal(dec("70")))
	e.assertLedger(t, w.ID)
}

func TestRetryInitiationCompletesDeposit(t *testing.T) {
	e := newEnv(t, provider.StatusSuccess)
	w := e.wallet(t, "u1", "0")
	ctx := context.Background()
	e.sandbox.SetFallback(sandbox.Outcome{Err: provider.ErrUnavailable})

	tr, err := e.svc.InitiateDeposit(ctx, DepositInput{WalletID: w.ID, Amount: dec("12.50"), Payer: "242061111111"})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, tr.Status)

	e.sandbox.SetFallback(sandbox.Outcome{Status: provider.StatusSuccess})
	retried, err := e.svc.RetryInitiation(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, retried.Status)
	assert.Equal(t, 2, e.sandbox.Calls("collection"))
	assert.True(t, e.reload(t, w.ID).Balance.Equal(dec("12.50")))

	again, err := e.svc.RetryInitiation(ctx, retried)
	require.NoError(t, err)
	assert.Equal(t, retried.ID, again.ID)
	assert.Equal(t, 2, e.sandbox.Calls("collection"))
}

func TestTopUpFromCard(t *testing.T) {
	e := newEnv(t, provider.StatusSuccess)
	w := e.wallet(t, "u1", "0")

	tr, err := e.svc.TopUpFromCard(context.Background(), CardTopUpInput{WalletID: w.ID, Amount: dec("75"), CardRef: "tok_visa"})
	require.NoError(t, err)
	assert.Equal(t, ledger.MethodBankCard, tr.PaymentMethod)
	assert.Equal(t, ledger.StatusCompleted, tr.Status)
	assert.Equal(t, "card", tr.Provider)
	assert.Equal(t, 1, e.card.Calls("collection"))
	assert.True(t, e.reload(t, w.ID).Balance.Equal(dec("75")))

	_, err = e.svc.TopUpFromCard(context.Background(), CardTopUpInput{WalletID: w.ID, Amount: dec("75")})
	assert.Error(t, err)
}

func TestSendP2P(t *testing.T) {
	e := newEnv(t, provider.StatusSuccess)
	sender := e.wallet(t, "alice", "1000")
	recipient := e.wallet(t, "bob", "0")

	res, err := e.svc.SendP2P(context.Background(), P2PInput{SenderWalletID: sender.ID, Recipient: recipient.WalletNumber, Amount: dec("400"), IdempotencyKey: "p2p-1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, res.Debit.Status)
	assert.Equal(t, ledger.StatusCompleted, res.Credit.Status)
	assert.Equal(t, recipient.ID, res.Debit.CounterpartyWalletID)
	assert.Equal(t, sender.ID, res.Credit.CounterpartyWalletID)
	assert.True(t, res.SenderBalance.Equal(dec("600")))
	assert.True(t, res.RecipientBalance.Equal(dec("400")))
	assert.Equal(t, notification.KindP2PTransfer, e.notifier.last().Kind)

	replayed, err := e.svc.SendP2P(context.Background(), P2PInput{SenderWalletID: sender.ID, Recipient: recipient.WalletNumber, Amount: dec("400"), IdempotencyKey: "p2p-1"})
	require.NoError(t, err)
	assert.Equal(t, res.Debit.ID, replayed.Debit.ID)
	assert.Equal(t, res.Credit.ID, replayed.Credit.ID)
	assert.True(t, e.reload(t, sender.ID).Balance.Equal(dec("600")))

	e.assertLedger(t, sender.ID)
	e.assertLedger(t, recipient.ID)
}

func TestSendP2PRejections(t *testing.T) {
	e := newEnv(t, provider.StatusSuccess)
	sender := e.wallet(t, "alice", "100")
	recipient := e.wallet(t, "bob", "0")
	ctx := context.Background()

	_, err := e.svc.SendP2P(ctx, P2PInput{SenderWalletID: sender.ID, Recipient: sender.WalletNumber, Amount: dec("1")})
	assert.ErrorIs(t, err, ErrSelfTransfer)

	_, err = e.svc.SendP2P(ctx, P2PInput{SenderWalletID: sender.ID, Recipient: "WLT000000000000", Amount: dec("1")})
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)

	_, err = e.svc.SendP2P(ctx, P2PInput{SenderWalletID: sender.ID, Recipient: recipient.WalletNumber, Amount: dec("101")})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = e.svc.SendP2P(ctx, P2PInput{SenderWalletID: sender.ID, Recipient: recipient.WalletNumber, Amount: dec("-1")})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	assert.True(t, e.reload(t, sender.ID).Balance.Equal(dec("100")))
	assert.True(t, e.reload(t, recipient.ID).Balance.IsZero())
}

func TestSubCentAmountsAreRejected(t *testing.T) {
	for _, amount := range []string{"0.005", "1.234"} {
		t.Run(amount, func(t *testing.T) {
			e := newEnv(t, provider.StatusSuccess)
			sender := e.wallet(t, "alice", "100")
			recipient := e.wallet(t, "bob", "0")
			ctx := context.Background()

			_, err := e.svc.InitiateDeposit(ctx, DepositInput{WalletID: sender.ID, Amount: dec(amount), Payer: "242061111111"})
			assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
			_, err = e.svc.InitiateWithdrawal(ctx, WithdrawalInput{WalletID: sender.ID, Amount: dec(amount), Payee: "242060000000"})
			assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
			_, err = e.svc.SendP2P(ctx, P2PInput{SenderWalletID: sender.ID, Recipient: recipient.WalletNumber, Amount: dec(amount)})
			assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
			_, err = e.svc.IssueQRVoucher(ctx, voucher.IssueInput{Amount: dec(amount)})
			assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

			assert.Equal(t, 0, e.sandbox.Calls("collection"))
			assert.Equal(t, 0, e.sandbox.Calls("payout"))
			for w, seeded := range map[string]int{sender.ID: 1, recipient.ID: 0} {
				txs, err := e.store.ListTransactions(ctx, w, ledger.TransactionFilter{Limit: 50})
				require.NoError(t, err)
				assert.Len(t, txs, seeded)
				e.assertLedger(t, w)
			}
			assert.True(t, e.reload(t, sender.ID).Balance.Equal(dec("100")))
			assert.True(t, e.reload(t, recipient.ID).Balance.IsZero())
		})
	}
}

func TestSendP2PCreditDoesNotCollideWithRecipientKey(t *testing.T) {
	e := newEnv(t, provider.StatusSuccess)
	sender := e.wallet(t, "alice", "100")
	recipient := e.wallet(t, "bob", "0")
	ctx := context.Background()

	deposit, err := e.svc.InitiateDeposit(ctx, DepositInput{WalletID: recipient.ID, Amount: dec("10"), Payer: "242061111111", IdempotencyKey: "shared"})
	require.NoError(t, err)

	in := P2PInput{SenderWalletID: sender.ID, Recipient: recipient.WalletNumber, Amount: dec("25"), IdempotencyKey: "shared"}
	res, err := e.svc.SendP2P(ctx, in)
	require.NoError(t, err)
	assert.NotEqual(t, deposit.ID, res.Credit.ID)
	assert.Equal(t, "shared", res.Debit.IdempotencyKey)
	assert.Equal(t, "shared:credit", res.Credit.IdempotencyKey)
	assert.True(t, e.reload(t, recipient.ID).Balance.Equal(dec("35")))

	replayed, err := e.svc.SendP2P(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, res.Debit.ID, replayed.Debit.ID)
	assert.Equal(t, res.Credit.ID, replayed.Credit.ID)
	assert.True(t, e.reload(t, sender.ID).Balance.Equal(dec("75")))

	e.assertLedger(t, sender.ID)
	e.assertLedger(t, recipient.ID)
}

func TestSendP2PIsAtomic(t *testing.T) {
	e := newEnv(t, provider.StatusSuccess)
	sender := e.wallet(t, "alice", "100")
	recipient := e.wallet(t, "bob", "0")
	e.store.failCredits.Store(true)

	_, err := e.svc.SendP2P(context.Background(), P2PInput{SenderWalletID: sender.ID, Recipient: recipient.WalletNumber, Amount: dec("30")})
	require.ErrorIs(t, err, errInjected)

	assert.True(t, e.reload(t, sender.ID).Balance.Equal(dec("100")))
	assert.True(t, e.reload(t, sender.ID).DailySpent.IsZero())
	assert.True(t, e.reload(t, recipient.ID).Balance.IsZero())
	debits, err := e.store.ListTransactions(context.Background(), sender.ID, ledger.TransactionFilter{Direction: ledger.Debit})
	require.NoError(t, err)
	assert.Empty(t, debits)
	e.assertLedger(t, sender.ID)
	e.assertLedger(t, recipient.ID)
}

func TestConcurrentTransfersKeepLedgerConsistent(t *testing.T) {
	e := newEnv(t, provider.StatusSuccess)
	a := e.wallet(t, "alice", "1000")
	b := e.wallet(t, "bob", "1000")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = e.svc.SendP2P(ctx, P2PInput{SenderWalletID: a.ID, Recipient: b.WalletNumber, Amount: dec("70")})
		}()
		go func() {
			defer wg.Done()
			_, _ = e.svc.SendP2P(ctx, P2PInput{SenderWalletID: b.ID, Recipient: a.WalletNumber, Amount: dec("45")})
		}()
	}
	wg.Wait()

	total := e.reload(t, a.ID).Balance.Add(e.reload(t, b.ID).Balance)
	assert.True(t, total.Equal(dec("2000")), "money created or destroyed: %s", total)
	e.assertLedger(t, a.ID)
	e.assertLedger(t, b.ID)
}

func TestRefundDeposit(t *testing.T) {
	e := newEnv(t, provider.StatusSuccess)
	w := e.wallet(t, "u1", "0")
	ctx := context.Background()

	dep, err := e.svc.InitiateDeposit(ctx, DepositInput{WalletID: w.ID, Amount: dec("50"), Payer: "242061111111"})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, dep.Status)

	refund, err := e.svc.RefundDeposit(ctx, RefundInput{TransactionID: dep.ID, Reason: "customer request"})
	require.NoError(t, err)
	assert.Equal(t, ledger.CategoryRefund, refund.Category)
	assert.Equal(t, ledger.StatusCompleted, refund.Status)
	assert.True(t, e.reload(t, w.ID).Balance.IsZero())

	again, err := e.svc.RefundDeposit(ctx, RefundInput{TransactionID: dep.ID})
	require.NoError(t, err)
	assert.Equal(t, refund.ID, again.ID)
	assert.Equal(t, 1, e.sandbox.Calls("refund"))

	_, err = e.svc.RefundDeposit(ctx, RefundInput{TransactionID: refund.ID})
	assert.ErrorIs(t, err, ErrNotRefundable)
	e.assertLedger(t, w.ID)
}

func TestRedeemQRVoucherThroughService(t *testing.T) {
	e := newEnv(t, provider.StatusSuccess)
	w := e.wallet(t, "u1", "100")
	ctx := context.Background()

	v, err := e.svc.IssueQRVoucher(ctx, voucher.IssueInput{Amount: dec("15")})
	require.NoError(t, err)
	tr, err := e.svc.RedeemQRVoucher(ctx, v.ID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MethodQRCode, tr.PaymentMethod)
	assert.True(t, e.reload(t, w.ID).Balance.Equal(dec("85")))

	stored, err := e.svc.GetVoucher(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.VoucherUsed, stored.Status)
	e.assertLedger(t, w.ID)
}
