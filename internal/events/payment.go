package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/order"
)

const (
	TopicPayments = "payments.v1"

	EventPaymentStatusChanged = "PaymentStatusChanged"
	EventPaymentApproved      = "PaymentApproved"
)

// PaymentStatus is the data carried by payment events.
type PaymentStatus struct {
	OrderID        string           `json:"orderId"`
	UserID         string           `json:"userId"`
	PaymentID      string           `json:"paymentId"`
	PreviousStatus string           `json:"previousStatus"`
	Status         string           `json:"status"`
	StatusDetail   string           `json:"statusDetail,omitempty"`
	TotalAmount    float64          `json:"totalAmount"`
	BuyerEmail     string           `json:"buyerEmail,omitempty"`
	BuyerName      string           `json:"buyerName,omitempty"`
	Items          []order.LineItem `json:"items"`
	ApprovedAt     *time.Time       `json:"approvedAt,omitempty"`
}

// PaymentEnvelope describes a payment transition. Transitions into approved
// are PaymentApproved; every other change is PaymentStatusChanged.
func PaymentEnvelope(tr order.Transition) (Envelope, error) {
	o := tr.Order
	data, err := json.Marshal(PaymentStatus{
		OrderID:        o.ID,
		UserID:         o.UserID,
		PaymentID:      o.ExternalPaymentID,
		PreviousStatus: tr.PreviousStatus,
		Status:         o.PaymentStatus,
		StatusDetail:   o.StatusDetail,
		TotalAmount:    o.Total(),
		BuyerEmail:     o.Buyer.Email,
		BuyerName:      o.Buyer.Name,
		Items:          o.Items,
		ApprovedAt:     o.ApprovedAt,
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal payment event for order %s: %w", o.ID, err)
	}
	eventType := EventPaymentStatusChanged
	if tr.BecameApproved() {
		eventType = EventPaymentApproved
	}
	return Envelope{
		EventType:    eventType,
		EventVersion: "v1",
		OccurredAt:   time.Now().UTC(),
		AggregateID:  o.ID,
		Data:         data,
	}, nil
}

// DecodePaymentStatus reads the data of a payment envelope.
func DecodePaymentStatus(evt Envelope) (PaymentStatus, error) {
	var ps PaymentStatus
	if err := json.Unmarshal(evt.Data, &ps); err != nil {
		return PaymentStatus{}, fmt.Errorf("failed to decode %s data: %w", evt.EventType, err)
	}
	return ps, nil
}
