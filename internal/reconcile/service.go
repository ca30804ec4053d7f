// Package reconcile resolves normalized payment notifications to orders and
// applies the resulting state transition, running the approval side effects
// exactly once per order.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/gateway"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/metrics"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/notification"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/order"
)

var (
	// ErrOrderNotCorrelated means no correlation candidate matched an order.
	// It is reported through OutcomeUncorrelated, not returned.
	ErrOrderNotCorrelated = errors.New("payment does not correlate to any order")
	// ErrRedirectDepth is returned when a merchant-order event would resolve
	// into another merchant-order event.
	ErrRedirectDepth = errors.New("merchant order redirection depth exceeded")
)

type Outcome string

const (
	OutcomeIgnored           Outcome = "ignored"
	OutcomeNoApprovedPayment Outcome = "no_approved_payment"
	OutcomeMerchantOrderGone Outcome = "merchant_order_not_found"
	OutcomeUncorrelated      Outcome = "uncorrelated"
	OutcomeRecorded          Outcome = "recorded"
	OutcomeApproved          Outcome = "approved"
)

// maxRedirects bounds merchant-order to payment redirection.
const maxRedirects = 1

// DefaultEffectsTimeout bounds the approval side effects, which run detached
// from the caller's cancellation.
const DefaultEffectsTimeout = 30 * time.Second

type MerchantOrderGetter interface {
	GetMerchantOrder(ctx context.Context, merchantOrderID string) (*gateway.MerchantOrder, error)
}

type PaymentFetcher interface {
	FetchPayment(ctx context.Context, paymentID string) (*gateway.Payment, error)
}

type OrderStore interface {
	// GetOrder returns order.ErrOrderNotFound for unknown ids.
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	// FindOrderByReference returns order.ErrOrderNotFound when no order has
	// the given external reference.
	FindOrderByReference(ctx context.Context, reference string) (*order.Order, error)
	// ApplyPayment writes the update and returns the status the order held
	// immediately before, in one atomic step. Approved orders are not
	// overwritten.
	ApplyPayment(ctx context.Context, orderID string, u order.PaymentUpdate) (order.Transition, error)
}

// Result describes what handling one event did.
type Result struct {
	Outcome   Outcome
	PaymentID string
	OrderID   string
	Status    string
	// Fallback names the correlation candidate that matched when it was not
	// the preferred one.
	Fallback   string
	Transition *order.Transition
	Effects    *ApplyReport
}

type Service struct {
	merchant       MerchantOrderGetter
	fetcher        PaymentFetcher
	orders         OrderStore
	applier        *Applier
	logger         *log.Logger
	tracer         trace.Tracer
	effectsTimeout time.Duration
}

type Option func(*Service)

// WithEffectsTimeout overrides DefaultEffectsTimeout.
func WithEffectsTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.effectsTimeout = d
		}
	}
}

func NewService(merchant MerchantOrderGetter, fetcher PaymentFetcher, orders OrderStore, applier *Applier, logger *log.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{
		merchant:       merchant,
		fetcher:        fetcher,
		orders:         orders,
		applier:        applier,
		logger:         logger,
		tracer:         otel.Tracer("storefront-payments/reconcile"),
		effectsTimeout: DefaultEffectsTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle runs the full pipeline for one normalized event. Returned errors are
// fetch.ErrPaymentNotFound, gateway.ErrGatewayUnavailable or store failures;
// every other situation is a Result.
func (s *Service) Handle(ctx context.Context, ev notification.Event) (Result, error) {
	start := time.Now()
	res, err := s.handle(ctx, ev, 0)
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReconcileOutcomesTotal.WithLabelValues("error").Inc()
	} else {
		metrics.ReconcileOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()
	}
	return res, err
}

func (s *Service) handle(ctx context.Context, ev notification.Event, depth int) (Result, error) {
	switch ev.Kind {
	case notification.KindPayment:
		return s.reconcilePayment(ctx, ev.ID)
	case notification.KindMerchantOrder:
		if depth >= maxRedirects {
			return Result{}, fmt.Errorf("%w: merchant order %s at depth %d", ErrRedirectDepth, ev.ID, depth)
		}
		next, res, err := s.resolveMerchantOrder(ctx, ev.ID)
		if err != nil || next == nil {
			return res, err
		}
		return s.handle(ctx, *next, depth+1)
	default:
		return Result{Outcome: OutcomeIgnored}, nil
	}
}

// resolveMerchantOrder maps a merchant order to the payment event of its
// approved payment. A nil event with a Result means there is nothing to do.
func (s *Service) resolveMerchantOrder(ctx context.Context, id string) (*notification.Event, Result, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.merchant_order", trace.WithAttributes(attribute.String("merchant_order.id", id)))
	defer span.End()

	mo, err := s.merchant.GetMerchantOrder(ctx, id)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			s.logger.Printf("[Reconcile] Merchant order %s not found, acknowledging", id)
			return nil, Result{Outcome: OutcomeMerchantOrderGone}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, Result{}, fmt.Errorf("failed to get merchant order %s: %w", id, err)
	}

	paymentID, ok := mo.ApprovedPaymentID()
	if !ok {
		s.logger.Printf("[Reconcile] Merchant order %s has no approved payment (%d payments)", id, len(mo.Payments))
		return nil, Result{Outcome: OutcomeNoApprovedPayment}, nil
	}
	span.SetAttributes(attribute.String("payment.id", paymentID))
	s.logger.Printf("[Reconcile] Merchant order %s resolved to approved payment %s", id, paymentID)
	ev := notification.Payment(paymentID)
	return &ev, Result{}, nil
}

func (s *Service) reconcilePayment(ctx context.Context, paymentID string) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.payment", trace.WithAttributes(attribute.String("payment.id", paymentID)))
	defer span.End()

	fail := func(err error) (Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{PaymentID: paymentID}, err
	}

	p, err := s.fetcher.FetchPayment(ctx, paymentID)
	if err != nil {
		return fail(err)
	}
	res := Result{PaymentID: p.ID.String(), Status: p.Status}
	if res.PaymentID == "" {
		res.PaymentID = paymentID
	}
	span.SetAttributes(attribute.String("payment.status", p.Status))

	o, fallback, err := s.correlate(ctx, p)
	if errors.Is(err, ErrOrderNotCorrelated) {
		s.logger.Printf("[Reconcile] Payment %s (status %s) matches no order: %v", res.PaymentID, p.Status, err)
		res.Outcome = OutcomeUncorrelated
		return res, nil
	}
	if err != nil {
		return fail(err)
	}
	if fallback != "" {
		s.logger.Printf("[Reconcile] Payment %s correlated to order %s via fallback %s", res.PaymentID, o.ID, fallback)
	}
	res.OrderID = o.ID
	res.Fallback = fallback
	span.SetAttributes(attribute.String("order.id", o.ID))

	tr, err := s.orders.ApplyPayment(ctx, o.ID, order.PaymentUpdate{
		PaymentID:    res.PaymentID,
		Status:       p.Status,
		StatusDetail: p.StatusDetail,
		ApprovedAt:   p.ApprovedAt(),
	})
	if err != nil {
		return fail(fmt.Errorf("failed to apply payment %s to order %s: %w", res.PaymentID, o.ID, err))
	}
	res.Transition = &tr
	res.Outcome = OutcomeRecorded
	if tr.Retained {
		s.logger.Printf("[Reconcile] Order %s already approved by payment %s; payment %s (%s) not applied",
			o.ID, tr.Order.ExternalPaymentID, res.PaymentID, p.Status)
	} else {
		s.logger.Printf("[Reconcile] Order %s payment status %q -> %q", o.ID, tr.PreviousStatus, tr.Order.PaymentStatus)
	}

	if s.applier == nil || !tr.Order.EffectsPending() {
		return res, nil
	}

	// The status write is already committed. Effects finish or roll back
	// whether or not the caller is still there.
	effCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.effectsTimeout)
	defer cancel()
	report, err := s.applier.Apply(effCtx, tr.Order)
	if err != nil {
		res.Outcome = ""
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("failed to apply side effects for order %s: %w", o.ID, err)
	}
	if !report.Applied {
		return res, nil
	}
	res.Outcome = OutcomeApproved
	res.Effects = &report
	if report.Err != nil {
		span.AddEvent("side effects reported problems", trace.WithAttributes(attribute.String("error", report.Err.Error())))
	}
	return res, nil
}

type candidate struct {
	source string
	value  string
	// byID looks the value up as an order id instead of a reference.
	byID bool
}

// correlate tries the payment's identifiers against orders in priority
// order. fallback is empty when the first candidate matched.
func (s *Service) correlate(ctx context.Context, p *gateway.Payment) (*order.Order, string, error) {
	candidates := []candidate{
		{source: "order.id", value: p.Order.ID.String()},
		{source: "metadata.preference_id", value: p.PreferenceID()},
		{source: "payment.id", value: p.ID.String()},
		{source: "external_reference", value: strings.TrimSpace(p.ExternalReference), byID: true},
	}

	seen := make(map[string]bool, len(candidates))
	var tried []string
	for i, c := range candidates {
		key := fmt.Sprintf("%t:%s", c.byID, c.value)
		if c.value == "" || seen[key] {
			continue
		}
		seen[key] = true
		tried = append(tried, c.source+"="+c.value)

		var (
			o   *order.Order
			err error
		)
		if c.byID {
			o, err = s.orders.GetOrder(ctx, c.value)
		} else {
			o, err = s.orders.FindOrderByReference(ctx, c.value)
		}
		if errors.Is(err, order.ErrOrderNotFound) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to look up order by %s: %w", c.source, err)
		}
		if i == 0 {
			return o, "", nil
		}
		return o, c.source, nil
	}
	return nil, "", fmt.Errorf("%w: tried %v", ErrOrderNotCorrelated, tried)
}
