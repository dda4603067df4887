package reconcile

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletcore/internal/guard"
	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/logging"
	"github.com/congo-pay/walletcore/internal/provider"
	"github.com/congo-pay/walletcore/internal/provider/sandbox"
	"github.com/congo-pay/walletcore/internal/txn"
)

type env struct {
	store    *ledger.MemoryStore
	machine  *txn.Machine
	sandbox  *sandbox.Gateway
	registry *provider.Registry
	handler  *Handler
	wallet   ledger.Wallet
}

func newEnv(t *testing.T, balance int64) *env {
	t.Helper()
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	w, err := store.CreateWallet(ctx, ledger.Wallet{
		Owner:        ledger.Owner{Kind: ledger.OwnerUser, ID: "user-1"},
		Currency:     "XAF",
		DailyLimit:   decimal.NewFromInt(500_000),
		MonthlyLimit: decimal.NewFromInt(5_000_000),
	})
	require.NoError(t, err)
	if balance > 0 {
		require.NoError(t, ledger.SeedBalance(ctx, store, w.ID, decimal.NewFromInt(balance)))
	}
	g := guard.New(store, nil, logging.Discard(), guard.Options{})
	machine := txn.NewMachine(store, g, nil, logging.Discard())
	sb := sandbox.New(provider.StatusPending)
	registry := provider.NewRegistry(sandbox.Name)
	registry.Register(sb)
	return &env{
		store:    store,
		machine:  machine,
		sandbox:  sb,
		registry: registry,
		handler:  NewHandler(store, machine, registry, logging.Discard()),
		wallet:   w,
	}
}

func (e *env) deposit(t *testing.T, externalID string, amount int64) ledger.Transaction {
	t.Helper()
	tr, err := e.machine.Open(context.Background(), ledger.Transaction{
		WalletID:      e.wallet.ID,
		Direction:     ledger.Credit,
		Category:      ledger.CategoryTopUp,
		Amount:        decimal.NewFromInt(amount),
		PaymentMethod: ledger.MethodMobileMoney,
		Provider:      sandbox.Name,
		ExternalID:    externalID,
	})
	require.NoError(t, err)
	return tr
}

func (e *env) withdrawal(t *testing.T, externalID string, amount int64) ledger.Transaction {
	t.Helper()
	tr, err := e.machine.OpenHold(context.Background(), ledger.Transaction{
		WalletID:      e.wallet.ID,
		Direction:     ledger.Debit,
		Category:      ledger.CategoryWithdrawal,
		Amount:        decimal.NewFromInt(amount),
		PaymentMethod: ledger.MethodMobileMoney,
		Provider:      sandbox.Name,
		ExternalID:    externalID,
	})
	require.NoError(t, err)
	return tr
}

func (e *env) balance(t *testing.T) ledger.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := e.store.GetWallet(ctx, e.wallet.ID)
	require.NoError(t, err)
	sum, err := e.store.CompletedSum(ctx, e.wallet.ID)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(sum), "balance %s != completed sum %s", w.Balance, sum)
	return w
}

func TestHandle_RepeatedSuccessAppliesOnce(t *testing.T) {
	e := newEnv(t, 0)
	tr := e.deposit(t, "dep-1", 5_000)
	ctx := context.Background()

	n := Notification{Provider: sandbox.Name, ExternalID: "dep-1", ProviderReference: "SBX-1", RawStatus: "SUCCESS", Amount: decimal.NewFromInt(5_000)}
	ack, err := e.handler.Handle(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, ack.Result)
	assert.Equal(t, tr.ID, ack.Transaction.ID)
	assert.Equal(t, ledger.StatusCompleted, ack.Transaction.Status)
	assert.Equal(t, "SBX-1", ack.Transaction.ProviderReference)

	for i := 0; i < 3; i++ {
		ack, err = e.handler.Handle(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, ResultDuplicate, ack.Result)
	}
	assert.True(t, e.balance(t).Balance.Equal(decimal.NewFromInt(5_000)))
}

func TestHandle_ConcurrentDeliveries(t *testing.T) {
	e := newEnv(t, 0)
	e.deposit(t, "dep-1", 700)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := e.handler.Handle(ctx, Notification{Provider: sandbox.Name, ExternalID: "dep-1", RawStatus: "SUCCESS"})
			if !assert.NoError(t, err) {
				return
			}
			if ack.Result == ResultApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.True(t, e.balance(t).Balance.Equal(decimal.NewFromInt(700)))
}

func TestHandle_OutOfOrderDoesNotRegress(t *testing.T) {
	e := newEnv(t, 0)
	e.deposit(t, "dep-1", 300)
	ctx := context.Background()

	ack, err := e.handler.Handle(ctx, Notification{ExternalID: "dep-1", RawStatus: "SUCCESS"})
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, ack.Result)

	for _, raw := range []string{"PENDING", "FAILED", "CANCELLED"} {
		ack, err = e.handler.Handle(ctx, Notification{ExternalID: "dep-1", RawStatus: raw})
		require.NoError(t, err)
		assert.Equal(t, ResultDuplicate, ack.Result, raw)
		assert.Equal(t, ledger.StatusCompleted, ack.Transaction.Status)
	}
	assert.True(t, e.balance(t).Balance.Equal(decimal.NewFromInt(300)))
}

func TestHandle_PendingMovesToProcessing(t *testing.T) {
	e := newEnv(t, 0)
	e.deposit(t, "dep-1", 300)
	ctx := context.Background()

	ack, err := e.handler.Handle(ctx, Notification{ExternalID: "dep-1", ProviderReference: "om-1", RawStatus: "PENDING"})
	require.NoError(t, err)
	assert.Equal(t, ResultObserved, ack.Result)
	assert.Equal(t, ledger.StatusProcessing, ack.Transaction.Status)
	assert.Equal(t, "om-1", ack.Transaction.ProviderReference)

	ack, err = e.handler.Handle(ctx, Notification{ExternalID: "dep-1", RawStatus: "WEIRD"})
	require.NoError(t, err)
	assert.Equal(t, ResultObserved, ack.Result)
	assert.Equal(t, ledger.StatusProcessing, ack.Transaction.Status)
	assert.Equal(t, "WEIRD", ack.Transaction.ProviderStatus)
	assert.True(t, e.balance(t).Balance.IsZero())
}

func TestHandle_FailureReleasesHold(t *testing.T) {
	e := newEnv(t, 10_000)
	e.withdrawal(t, "wd-1", 4_000)
	ctx := context.Background()

	ack, err := e.handler.Handle(ctx, Notification{ExternalID: "wd-1", RawStatus: "FAILED"})
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, ack.Result)
	assert.Equal(t, ledger.StatusFailed, ack.Transaction.Status)
	assert.Equal(t, "provider reported FAILED", ack.Transaction.FailureReason)

	w := e.balance(t)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(10_000)))
	assert.True(t, w.Held.IsZero())

	e.withdrawal(t, "wd-2", 1_000)
	ack, err = e.handler.Handle(ctx, Notification{ExternalID: "wd-2", RawStatus: "CANCELED"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, ack.Transaction.Status)
	assert.True(t, e.balance(t).Available().Equal(decimal.NewFromInt(10_000)))
}

func TestHandle_Anomalies(t *testing.T) {
	e := newEnv(t, 0)
	tr := e.deposit(t, "dep-1", 300)
	ctx := context.Background()

	_, err := e.handler.Handle(ctx, Notification{ExternalID: "nobody", RawStatus: "SUCCESS"})
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	_, err = e.handler.Handle(ctx, Notification{ExternalID: "dep-1", RawStatus: "SUCCESS", Amount: decimal.NewFromInt(301)})
	assert.ErrorIs(t, err, ErrAmountMismatch)

	_, err = e.handler.Handle(ctx, Notification{Provider: "orange", ExternalID: "dep-1", RawStatus: "SUCCESS"})
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	_, err = e.handler.Handle(ctx, Notification{RawStatus: "SUCCESS"})
	assert.ErrorIs(t, err, provider.ErrInvalidCallback)

	got, err := e.store.GetTransaction(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status, "anomalies never mutate")
	assert.True(t, e.balance(t).Balance.IsZero())
}

func TestHandleCallback_ParsesProviderPayload(t *testing.T) {
	e := newEnv(t, 0)
	e.deposit(t, "dep-1", 1_250)
	ctx := context.Background()

	ack, err := e.handler.HandleCallback(ctx, sandbox.Name, []byte(`{"external_id":"dep-1","reference":"SBX-9","status":"SUCCESS","amount":"1250"}`))
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, ack.Result)
	assert.Equal(t, "SBX-9", ack.Transaction.ProviderReference)

	_, err = e.handler.HandleCallback(ctx, sandbox.Name, []byte(`{"status":"SUCCESS"}`))
	assert.ErrorIs(t, err, provider.ErrInvalidCallback)
	_, err = e.handler.HandleCallback(ctx, "unknown", nil)
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
}
