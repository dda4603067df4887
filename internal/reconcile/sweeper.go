package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/walletcore/internal/ledger"
	"github.com/congo-pay/walletcore/internal/provider"
	"github.com/congo-pay/walletcore/internal/txn"
)

// ReasonAttemptsExhausted is the failure reason of transactions the provider
// never received after every initiation attempt.
const ReasonAttemptsExhausted = "initiation attempts exhausted"

// Initiator sends a transaction to its provider again.
type Initiator interface {
	RetryInitiation(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error)
}

type SweeperConfig struct {
	Interval              time.Duration
	StaleAfter            time.Duration
	BatchSize             int
	Concurrency           int
	MaxInitiationAttempts int
}

// Report counts what one sweep did.
type Report struct {
	Checked         int
	Resolved        int
	Reinitiated     int
	Exhausted       int
	Errors          int
	VouchersExpired int
}

// Sweeper polls providers for transactions whose callback never arrived and
// expires stale vouchers.
type Sweeper struct {
	store     ledger.Store
	handler   *Handler
	registry  *provider.Registry
	machine   *txn.Machine
	initiator Initiator
	cfg       SweeperConfig
	logger    *slog.Logger
	clock     func() time.Time
}

func NewSweeper(store ledger.Store, handler *Handler, registry *provider.Registry, machine *txn.Machine, initiator Initiator, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxInitiationAttempts <= 0 {
		cfg.MaxInitiationAttempts = 3
	}
	return &Sweeper{
		store:     store,
		handler:   handler,
		registry:  registry,
		machine:   machine,
		initiator: initiator,
		cfg:       cfg,
		logger:    logger,
		clock:     time.Now,
	}
}

// SetClock replaces the time source used to decide staleness and expiry.
func (s *Sweeper) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("reconciliation sweeper started", "interval", s.cfg.Interval.String(), "stale_after", s.cfg.StaleAfter.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation sweeper stopped")
			return nil
		case <-ticker.C:
			report, err := s.SweepOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("reconciliation sweep failed", "error", err)
				continue
			}
			if report.Checked > 0 || report.VouchersExpired > 0 {
				s.logger.Info("reconciliation sweep finished",
					"checked", report.Checked,
					"resolved", report.Resolved,
					"reinitiated", report.Reinitiated,
					"exhausted", report.Exhausted,
					"errors", report.Errors,
					"vouchers_expired", report.VouchersExpired,
				)
			}
		}
	}
}

// SweepOnce checks one batch of stale transactions and expires vouchers.
// Failures on single transactions are counted, not returned.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	ctx, span := s.handler.tracer.Start(ctx, "reconcile.Sweep")
	defer span.End()

	now := s.clock()
	var report Report
	expired, err := s.store.ExpireVouchers(ctx, now)
	if err != nil {
		return report, err
	}
	report.VouchersExpired = expired

	pending, err := s.store.ListUnresolved(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return report, err
	}
	report.Checked = len(pending)

	var resolved, reinitiated, exhausted, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, t := range pending {
		g.Go(func() error {
			switch outcome, err := s.sweep(gctx, t); {
			case err != nil:
				failed.Add(1)
				s.logger.Warn("sweep could not resolve transaction", "transaction_id", t.ID, "provider", t.Provider, "error", err)
			case outcome == sweptResolved:
				resolved.Add(1)
			case outcome == sweptReinitiated:
				reinitiated.Add(1)
			case outcome == sweptExhausted:
				exhausted.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Resolved = int(resolved.Load())
	report.Reinitiated = int(reinitiated.Load())
	report.Exhausted = int(exhausted.Load())
	report.Errors = int(failed.Load())
	span.SetAttributes(
		attribute.Int("checked", report.Checked),
		attribute.Int("resolved", report.Resolved),
		attribute.Int("errors", report.Errors),
	)
	return report, nil
}

type swept int

const (
	sweptUnchanged swept = iota
	sweptResolved
	sweptReinitiated
	sweptExhausted
)

func (s *Sweeper) sweep(ctx context.Context, t ledger.Transaction) (swept, error) {
	gw, err := s.registry.Get(t.Provider)
	if err != nil {
		return sweptUnchanged, err
	}
	res, err := gw.QueryStatus(ctx, provider.Lookup{
		Kind:              kindOf(t),
		ProviderReference: t.ProviderReference,
		ExternalID:        t.ExternalID,
	})
	switch {
	case t.ProviderReference == "" && (errors.Is(err, provider.ErrNotFound) || errors.Is(err, provider.ErrUnsupported)):
		// Without a reference the provider never acknowledged the transaction
		// and no callback can name it.
		return s.reinitiate(ctx, t)
	case errors.Is(err, provider.ErrUnsupported):
		s.logger.Debug("provider cannot be polled for transaction", "transaction_id", t.ID, "provider", t.Provider)
		return sweptUnchanged, nil
	case err != nil:
		return sweptUnchanged, err
	}

	ack, err := s.handler.Handle(ctx, Notification{
		Provider:          t.Provider,
		ExternalID:        t.ExternalID,
		ProviderReference: res.ProviderReference,
		RawStatus:         res.RawStatus,
		Status:            res.Status,
		Amount:            res.Amount,
	})
	if err != nil {
		return sweptUnchanged, err
	}
	if ack.Result == ResultApplied && ack.Transaction.Status.Terminal() {
		return sweptResolved, nil
	}
	return sweptUnchanged, nil
}

// reinitiate handles a transaction the provider never received.
func (s *Sweeper) reinitiate(ctx context.Context, t ledger.Transaction) (swept, error) {
	if t.InitiationAttempts >= s.cfg.MaxInitiationAttempts || s.initiator == nil {
		out, err := s.machine.Fail(ctx, t.ID, ReasonAttemptsExhausted, txn.Resolution{})
		if err != nil {
			return sweptUnchanged, err
		}
		if !out.Applied {
			return sweptUnchanged, nil
		}
		s.logger.Warn("transaction failed after initiation attempts", "transaction_id", t.ID, "attempts", t.InitiationAttempts)
		return sweptExhausted, nil
	}
	retried, err := s.initiator.RetryInitiation(ctx, t)
	if err != nil {
		return sweptUnchanged, err
	}
	if retried.Status == t.Status && retried.InitiationAttempts == t.InitiationAttempts && retried.ProviderReference == t.ProviderReference {
		return sweptUnchanged, nil
	}
	return sweptReinitiated, nil
}

func kindOf(t ledger.Transaction) provider.Kind {
	if t.Direction == ledger.Debit && t.Category != ledger.CategoryRefund {
		return provider.KindPayout
	}
	return provider.KindCollection
}
