package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/events"
)

// ErrNoRecipient is returned for payment events without a buyer email.
var ErrNoRecipient = errors.New("payment event has no buyer email")

var receiptTpl = template.Must(template.New("receipt").Parse(`
<h2>Thanks for your purchase{{if .BuyerName}}, {{.BuyerName}}{{end}}!</h2>
<p>Order ID: <b>{{.OrderID}}</b></p>
<p>Payment: <b>{{.PaymentID}}</b></p>
<table>
{{range .Items}}<tr><td>{{.Title}}{{if .Variant}} ({{.Variant}}){{end}}</td><td>x{{.Quantity}}</td><td>{{printf "%.2f" .UnitPrice}}</td></tr>
{{end}}</table>
<p>Total: <b>{{printf "%.2f" .TotalAmount}}</b></p>
`))

var statusTpl = template.Must(template.New("status").Parse(`
<h2>Payment update for order {{.OrderID}}</h2>
<p>Your payment {{.PaymentID}} is now <b>{{.Status}}</b>{{if .StatusDetail}} ({{.StatusDetail}}){{end}}.</p>
`))

func RenderReceipt(ps events.PaymentStatus) (string, error) {
	var buf bytes.Buffer
	if err := receiptTpl.Execute(&buf, ps); err != nil {
		return "", fmt.Errorf("failed to render receipt for order %s: %w", ps.OrderID, err)
	}
	return buf.String(), nil
}

func RenderStatusUpdate(ps events.PaymentStatus) (string, error) {
	var buf bytes.Buffer
	if err := statusTpl.Execute(&buf, ps); err != nil {
		return "", fmt.Errorf("failed to render status update for order %s: %w", ps.OrderID, err)
	}
	return buf.String(), nil
}

// Notifier turns payment events into buyer emails.
type Notifier struct {
	sender Sender
	logger *log.Logger
}

func NewNotifier(sender Sender, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Notifier{sender: sender, logger: logger}
}

// Handle sends the email for one envelope. Unknown event types and
// transitions buyers do not care about are skipped with a nil error.
func (n *Notifier) Handle(_ context.Context, evt events.Envelope) error {
	var (
		subject string
		render  func(events.PaymentStatus) (string, error)
	)
	ps, err := events.DecodePaymentStatus(evt)
	switch evt.EventType {
	case events.EventPaymentApproved:
		subject, render = "Your payment was approved", RenderReceipt
	case events.EventPaymentStatusChanged:
		if ps.Status == "pending" || ps.Status == "in_process" {
			return nil
		}
		subject, render = "Update on your payment", RenderStatusUpdate
	default:
		n.logger.Printf("[email-worker] ignored eventType=%s aggregate=%s", evt.EventType, evt.AggregateID)
		return nil
	}
	if err != nil {
		return err
	}
	if ps.BuyerEmail == "" {
		return fmt.Errorf("order %s: %w", ps.OrderID, ErrNoRecipient)
	}

	body, err := render(ps)
	if err != nil {
		return err
	}
	if err := n.sender.Send(ps.BuyerEmail, subject, body); err != nil {
		return fmt.Errorf("failed to send %s email for order %s: %w", evt.EventType, ps.OrderID, err)
	}
	n.logger.Printf("[email-worker] sent %s email to=%s order=%s total=%.2f", evt.EventType, ps.BuyerEmail, ps.OrderID, ps.TotalAmount)
	return nil
}
