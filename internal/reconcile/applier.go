package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.uber.org/multierr"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/catalog"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/metrics"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/order"
)

type EffectsStore interface {
	// RunApprovalEffects claims the order's effects marker and runs fn in the
	// same unit of work. It returns false without calling fn when the order
	// is not approved or the marker is already set. When fn fails, the marker
	// and every effect fn performed are rolled back.
	RunApprovalEffects(ctx context.Context, orderID string, fn func(order.Effects) error) (bool, error)
}

// ApplyReport collects what the side effects of one approval did. Err holds
// reported problems (clamped stock, unknown variants) that did not stop the
// batch.
type ApplyReport struct {
	Applied     bool
	CartCleared bool
	Stock       []catalog.StockChange
	Err         error
}

// Applier runs the post-approval side effects for an order.
type Applier struct {
	store  EffectsStore
	logger *log.Logger
}

func NewApplier(store EffectsStore, logger *log.Logger) *Applier {
	if logger == nil {
		logger = log.Default()
	}
	return &Applier{store: store, logger: logger}
}

// Apply clears the owner's cart and decrements stock for every line item,
// at most once per order. A store failure aborts the batch and rolls it back
// so a later call can retry it; clamped stock and unknown variants are
// reported and do not.
func (a *Applier) Apply(ctx context.Context, o order.Order) (ApplyReport, error) {
	var report ApplyReport
	applied, err := a.store.RunApprovalEffects(ctx, o.ID, func(fx order.Effects) error {
		report = ApplyReport{}
		return a.apply(ctx, fx, o, &report)
	})
	if err != nil {
		metrics.SideEffectsTotal.WithLabelValues("batch", "rolled_back").Inc()
		a.logger.Printf("[Reconcile] Side effects for order %s rolled back: %v", o.ID, err)
		return ApplyReport{}, err
	}
	if !applied {
		a.logger.Printf("[Reconcile] Side effects for order %s already applied", o.ID)
		return ApplyReport{}, nil
	}
	report.Applied = true
	if report.Err == nil {
		a.logger.Printf("[Reconcile] Cart of user %s cleared and stock updated for order %s", o.UserID, o.ID)
	}
	return report, nil
}

func (a *Applier) apply(ctx context.Context, fx order.Effects, o order.Order, report *ApplyReport) error {
	if err := fx.ClearCart(ctx, o.UserID); err != nil {
		metrics.SideEffectsTotal.WithLabelValues("clear_cart", "error").Inc()
		return fmt.Errorf("failed to clear cart for user %s: %w", o.UserID, err)
	}
	metrics.SideEffectsTotal.WithLabelValues("clear_cart", "ok").Inc()
	report.CartCleared = true

	for _, item := range o.Items {
		change, err := fx.DecrementStock(ctx, item.Title, item.Variant, item.Quantity)
		switch {
		case err == nil:
			metrics.SideEffectsTotal.WithLabelValues("decrement_stock", "ok").Inc()
			report.Stock = append(report.Stock, change)
		case errors.Is(err, catalog.ErrStockUnderflow):
			a.logger.Printf("[Reconcile] Stock for %s/%s clamped at zero: had %d, sold %d (order %s)",
				item.Title, item.Variant, change.Previous, item.Quantity, o.ID)
			metrics.SideEffectsTotal.WithLabelValues("decrement_stock", "clamped").Inc()
			report.Stock = append(report.Stock, change)
			report.Err = multierr.Append(report.Err, fmt.Errorf("decrement %s/%s: %w", item.Title, item.Variant, err))
		case errors.Is(err, catalog.ErrVariantNotFound):
			a.logger.Printf("[Reconcile] No stock row for %s/%s (order %s)", item.Title, item.Variant, o.ID)
			metrics.SideEffectsTotal.WithLabelValues("decrement_stock", "missing").Inc()
			report.Err = multierr.Append(report.Err, fmt.Errorf("decrement %s/%s: %w", item.Title, item.Variant, err))
		default:
			metrics.SideEffectsTotal.WithLabelValues("decrement_stock", "error").Inc()
			return fmt.Errorf("failed to decrement stock for %s/%s: %w", item.Title, item.Variant, err)
		}
	}
	return nil
}
