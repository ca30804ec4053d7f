// Package fetch retrieves the authoritative payment state from the provider,
// retrying while the payment is not yet readable.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/gateway"
)

// ErrPaymentNotFound is returned once every attempt saw a missing or empty
// payment.
var ErrPaymentNotFound = errors.New("payment not found after retries")

const (
	StrategyLinear      = "linear"
	StrategyExponential = "exponential"

	DefaultMaxAttempts = 6
	DefaultBaseDelay   = 3 * time.Second
)

// PaymentGetter is the gateway call the fetcher retries.
type PaymentGetter interface {
	GetPayment(ctx context.Context, paymentID string) (*gateway.Payment, error)
}

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Strategy    string
}

// AttemptObserver is notified after every attempt; err is nil on success.
type AttemptObserver func(attempt int, err error)

type Fetcher struct {
	gw        PaymentGetter
	cfg       Config
	logger    *log.Logger
	observe   AttemptObserver
	newPolicy func() backoff.BackOff
}

type Option func(*Fetcher)

func WithObserver(fn AttemptObserver) Option {
	return func(f *Fetcher) { f.observe = fn }
}

// WithBackOff replaces the delay policy; the attempt cap still applies.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(f *Fetcher) { f.newPolicy = fn }
}

func New(gw PaymentGetter, cfg Config, logger *log.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLinear
	}
	f := &Fetcher{gw: gw, cfg: cfg, logger: logger}
	f.newPolicy = f.defaultPolicy
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fetcher) defaultPolicy() backoff.BackOff {
	if f.cfg.Strategy == StrategyExponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = f.cfg.BaseDelay
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxInterval = f.cfg.BaseDelay * 32
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
	return &linearBackOff{step: f.cfg.BaseDelay}
}

// FetchPayment makes at most MaxAttempts gateway calls. Missing, empty and
// transiently failing lookups are retried; any other gateway error stops
// immediately.
func (f *Fetcher) FetchPayment(ctx context.Context, paymentID string) (*gateway.Payment, error) {
	attempt := 0
	var lastErr error

	op := func() (*gateway.Payment, error) {
		attempt++
		p, err := f.gw.GetPayment(ctx, paymentID)
		if f.observe != nil {
			f.observe(attempt, err)
		}
		if err == nil {
			if attempt > 1 {
				f.logger.Printf("[Fetch] Payment %s readable after %d attempts", paymentID, attempt)
			}
			return p, nil
		}
		lastErr = err
		if errors.Is(err, gateway.ErrNotFound) || errors.Is(err, gateway.ErrGatewayUnavailable) {
			f.logger.Printf("[Fetch] Attempt %d/%d for payment %s failed: %v", attempt, f.cfg.MaxAttempts, paymentID, err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(f.newPolicy(), uint64(f.cfg.MaxAttempts-1)), ctx)
	p, err := backoff.RetryWithData(op, policy)
	if err == nil {
		return p, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("fetch payment %s: %w", paymentID, ctxErr)
	}
	switch {
	case errors.Is(lastErr, gateway.ErrGatewayUnavailable):
		return nil, fmt.Errorf("fetch payment %s after %d attempts: %w", paymentID, attempt, lastErr)
	case errors.Is(lastErr, gateway.ErrNotFound):
		f.logger.Printf("[Fetch] Payment %s still missing after %d attempts", paymentID, attempt)
		return nil, fmt.Errorf("%w: %s after %d attempts", ErrPaymentNotFound, paymentID, attempt)
	}
	return nil, fmt.Errorf("fetch payment %s: %w", paymentID, err)
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }
