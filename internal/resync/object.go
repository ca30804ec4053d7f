// Package resync exposes manual payment reconciliation as a Restate virtual
// object keyed by payment id. The runtime serializes invocations per key, so
// an operator resync can never race a second resync of the same payment.
package resync

import (
	"context"
	"errors"
	"log"

	restate "github.com/restatedev/sdk-go"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/fetch"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/notification"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/reconcile"
)

const (
	ServiceName = "payments.sv1.PaymentSync"

	OutcomePaymentNotFound = "payment_not_found"
)

type Pipeline interface {
	Handle(ctx context.Context, ev notification.Event) (reconcile.Result, error)
}

type Request struct {
	PaymentID string `json:"payment_id"`
}

type Response struct {
	PaymentID      string `json:"payment_id"`
	Outcome        string `json:"outcome"`
	OrderID        string `json:"order_id,omitempty"`
	Status         string `json:"status,omitempty"`
	PreviousStatus string `json:"previous_status,omitempty"`
	EffectsApplied bool   `json:"effects_applied"`
}

type PaymentSync struct {
	pipeline Pipeline
	logger   *log.Logger
}

func New(pipeline Pipeline, logger *log.Logger) *PaymentSync {
	if logger == nil {
		logger = log.Default()
	}
	return &PaymentSync{pipeline: pipeline, logger: logger}
}

// Definition binds the object's handlers for registration on a Restate
// server.
func (p *PaymentSync) Definition() restate.ServiceDefinition {
	return restate.NewObject(ServiceName).
		Handler("Resync", restate.NewObjectHandler(p.Resync)).
		Handler("LastResult", restate.NewObjectSharedHandler(p.LastResult))
}

// Resync re-runs reconciliation for the keyed payment. A payment the
// provider never returns is a final answer; gateway and store failures are
// returned so the runtime retries the invocation.
func (p *PaymentSync) Resync(ctx restate.ObjectContext, req Request) (Response, error) {
	paymentID := restate.Key(ctx)
	if paymentID == "" {
		paymentID = req.PaymentID
	}
	if paymentID == "" {
		return Response{}, restate.TerminalError(errors.New("payment id required"), 400)
	}

	resp, err := restate.Run(ctx, func(rc restate.RunContext) (Response, error) {
		return p.run(rc, paymentID)
	})
	if err != nil {
		p.logger.Printf("[PaymentSync] resync of %s failed: %v", paymentID, err)
		return Response{}, err
	}

	restate.Set(ctx, "last_result", resp)
	p.logger.Printf("[PaymentSync] resync of %s -> %s (order=%q status=%q)", paymentID, resp.Outcome, resp.OrderID, resp.Status)
	return resp, nil
}

// LastResult returns the outcome recorded by the latest completed resync.
func (p *PaymentSync) LastResult(ctx restate.ObjectSharedContext, _ restate.Void) (Response, error) {
	resp, err := restate.Get[*Response](ctx, "last_result")
	if err != nil {
		return Response{}, err
	}
	if resp == nil {
		return Response{}, restate.TerminalError(errors.New("no resync recorded"), 404)
	}
	return *resp, nil
}

func (p *PaymentSync) run(ctx context.Context, paymentID string) (Response, error) {
	res, err := p.pipeline.Handle(ctx, notification.Payment(paymentID))
	if errors.Is(err, fetch.ErrPaymentNotFound) {
		return Response{PaymentID: paymentID, Outcome: OutcomePaymentNotFound}, nil
	}
	if err != nil {
		return Response{}, err
	}
	return toResponse(paymentID, res), nil
}

func toResponse(paymentID string, res reconcile.Result) Response {
	resp := Response{
		PaymentID: paymentID,
		Outcome:   string(res.Outcome),
		OrderID:   res.OrderID,
		Status:    res.Status,
	}
	if res.Transition != nil {
		resp.PreviousStatus = res.Transition.PreviousStatus
	}
	if res.Effects != nil {
		resp.EffectsApplied = res.Effects.Applied
	}
	return resp
}
