package order

import (
	"context"
	"errors"
	"time"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/catalog"
)

// Payment statuses reported by the provider that the service reacts to.
// Any other provider status is stored verbatim.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateReference means another order already holds the external
	// reference id.
	ErrDuplicateReference = errors.New("order external reference already used")
)

// LineItem is a purchased product line, frozen at checkout time.
type LineItem struct {
	Title     string  `json:"title"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Variant   string  `json:"variant"`
}

type Buyer struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Order is created when a payment preference is generated and is mutated
// afterwards only by payment reconciliation.
type Order struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	Items               []LineItem `json:"items"`
	Buyer               Buyer      `json:"buyer"`
	ExternalReferenceID string     `json:"external_reference_id"`
	ExternalPaymentID   string     `json:"external_payment_id,omitempty"`
	PaymentStatus       string     `json:"payment_status"`
	StatusDetail        string     `json:"status_detail,omitempty"`
	ApprovedAt          *time.Time `json:"approved_at,omitempty"`
	// EffectsAppliedAt is set in the same unit of work that clears the cart
	// and decrements stock for the approval.
	EffectsAppliedAt    *time.Time `json:"effects_applied_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Total sums quantity * unit price over all lines.
func (o *Order) Total() float64 {
	var total float64
	for _, it := range o.Items {
		total += float64(it.Quantity) * it.UnitPrice
	}
	return total
}

// PaymentUpdate is the provider-observed payment state written onto an order.
type PaymentUpdate struct {
	PaymentID    string
	Status       string
	StatusDetail string
	ApprovedAt   *time.Time
}

// Transition reports the outcome of an atomic payment update: the order as
// written and the status it held immediately before the write.
type Transition struct {
	Order          Order
	PreviousStatus string
	// Retained is set when the order was already approved and the update was
	// not written. Approved is final for an order.
	Retained bool
}

// BecameApproved is true only for the single write that moved the order into
// approved. Redelivered approvals observe PreviousStatus == approved.
func (t Transition) BecameApproved() bool {
	return t.Order.PaymentStatus == StatusApproved && t.PreviousStatus != StatusApproved
}

// Changed reports whether the write altered the payment status.
func (t Transition) Changed() bool {
	return t.Order.PaymentStatus != t.PreviousStatus
}

// EffectsPending reports whether the order is approved and its side effects
// have not been recorded yet.
func (o *Order) EffectsPending() bool {
	return o.PaymentStatus == StatusApproved && o.EffectsAppliedAt == nil
}

// Effects is the unit of work the approval side effects run in. Stores hand
// an implementation bound to one transaction to the callback of their
// RunApprovalEffects method.
type Effects interface {
	ClearCart(ctx context.Context, userID string) error
	DecrementStock(ctx context.Context, productName, variant string, qty int) (catalog.StockChange, error)
}
