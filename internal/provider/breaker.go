package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures the circuit placed in front of a gateway.
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

type breakerGateway struct {
	Gateway
	cb *gobreaker.CircuitBreaker
}

// WithBreaker wraps gw so repeated transport failures open a circuit and
// later calls fail fast with ErrUnavailable. Definitive provider answers do
// not count as failures. ParseCallback is never guarded.
func WithBreaker(gw Gateway, settings BreakerSettings, logger *slog.Logger) Gateway {
	threshold := settings.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider-" + gw.Name(),
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || Definitive(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &breakerGateway{Gateway: gw, cb: cb}
}

func (b *breakerGateway) Unwrap() Gateway { return b.Gateway }

func (b *breakerGateway) InitiateCollection(ctx context.Context, req Request) (Result, error) {
	return b.run(func() (Result, error) { return b.Gateway.InitiateCollection(ctx, req) })
}

func (b *breakerGateway) InitiatePayout(ctx context.Context, req Request) (Result, error) {
	return b.run(func() (Result, error) { return b.Gateway.InitiatePayout(ctx, req) })
}

func (b *breakerGateway) QueryStatus(ctx context.Context, lookup Lookup) (Result, error) {
	return b.run(func() (Result, error) { return b.Gateway.QueryStatus(ctx, lookup) })
}

func (b *breakerGateway) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	return b.run(func() (Result, error) { return b.Gateway.Refund(ctx, req) })
}

func (b *breakerGateway) run(fn func() (Result, error)) (Result, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, b.Name(), err)
		}
		if res, ok := out.(Result); ok {
			return res, err
		}
		return Result{}, err
	}
	return out.(Result), nil
}
