package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID is a provider identifier that may arrive as a JSON number or string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("gateway id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Payment is the subset of the provider payment resource the service reads.
type Payment struct {
	ID                ID             `json:"id"`
	Status            string         `json:"status"`
	StatusDetail      string         `json:"status_detail"`
	DateApproved      string         `json:"date_approved"`
	ExternalReference string         `json:"external_reference"`
	TransactionAmount float64        `json:"transaction_amount"`
	Order             PaymentOrder   `json:"order"`
	Metadata          map[string]any `json:"metadata"`
}

type PaymentOrder struct {
	ID   ID     `json:"id"`
	Type string `json:"type"`
}

// PreferenceID returns metadata.preference_id when the provider echoed it.
func (p *Payment) PreferenceID() string {
	switch v := p.Metadata["preference_id"].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	}
	return ""
}

var approvedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
}

// ApprovedAt parses date_approved; nil when absent or unparseable.
func (p *Payment) ApprovedAt() *time.Time {
	s := strings.TrimSpace(p.DateApproved)
	if s == "" {
		return nil
	}
	for _, layout := range approvedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// MerchantOrder groups the payment attempts of one checkout.
type MerchantOrder struct {
	ID           ID                     `json:"id"`
	PreferenceID string                 `json:"preference_id"`
	Status       string                 `json:"status"`
	Payments     []MerchantOrderPayment `json:"payments"`
}

type MerchantOrderPayment struct {
	ID           ID     `json:"id"`
	Status       string `json:"status"`
	StatusDetail string `json:"status_detail"`
}

// ApprovedPaymentID returns the first embedded payment with status approved.
func (m *MerchantOrder) ApprovedPaymentID() (string, bool) {
	for _, p := range m.Payments {
		if p.Status == "approved" && p.ID != "" {
			return p.ID.String(), true
		}
	}
	return "", false
}

type PreferenceItem struct {
	ID          string  `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	CurrencyID  string  `json:"currency_id,omitempty"`
}

type Payer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type BackURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

type PaymentTypeRef struct {
	ID string `json:"id"`
}

type PaymentMethods struct {
	Installments         int              `json:"installments,omitempty"`
	ExcludedPaymentTypes []PaymentTypeRef `json:"excluded_payment_types,omitempty"`
}

type PreferenceRequest struct {
	Items             []PreferenceItem `json:"items"`
	Payer             Payer            `json:"payer"`
	BackURLs          BackURLs         `json:"back_urls"`
	NotificationURL   string           `json:"notification_url,omitempty"`
	AutoReturn        string           `json:"auto_return,omitempty"`
	ExternalReference string           `json:"external_reference,omitempty"`
	PaymentMethods    *PaymentMethods  `json:"payment_methods,omitempty"`
}

type Preference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}
