// Package notification turns provider webhook deliveries of any shape into a
// canonical event. Providers send the same logical event through several
// representations (IPN query strings, webhook bodies, topic/resource and
// action/data variants), so extraction is an ordered list of typed rules.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type Kind int

const (
	KindUnhandled Kind = iota
	KindPayment
	KindMerchantOrder
)

func (k Kind) String() string {
	switch k {
	case KindPayment:
		return "payment"
	case KindMerchantOrder:
		return "merchant_order"
	default:
		return "unhandled"
	}
}

// Event is the normalized notification. ID is empty for KindUnhandled.
type Event struct {
	Kind Kind
	ID   string
	// Rule names the extraction rule that matched, for logging.
	Rule string
}

func (e Event) String() string {
	if e.Kind == KindUnhandled {
		return "unhandled"
	}
	return fmt.Sprintf("%s(%s) via %s", e.Kind, e.ID, e.Rule)
}

func Payment(id string) Event       { return Event{Kind: KindPayment, ID: id, Rule: "synthesized"} }
func MerchantOrder(id string) Event { return Event{Kind: KindMerchantOrder, ID: id, Rule: "synthesized"} }

// Inbound is a raw delivery: query parameters plus an optional JSON body.
type Inbound struct {
	Query url.Values
	Body  map[string]any
}

// Parse builds an Inbound from a query and raw body. A body that is empty or
// not a JSON object is ignored rather than reported.
func Parse(query url.Values, body []byte) Inbound {
	in := Inbound{Query: query}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return in
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err == nil {
		in.Body = m
	}
	return in
}

// fields holds the flattened candidate values, body first then query.
type fields struct {
	typ      string
	topic    string
	action   string
	resource string
	dataID   string
	id       string
}

func (in Inbound) fields() fields {
	return fields{
		typ:      in.lookup("type"),
		topic:    in.lookup("topic"),
		action:   in.lookup("action"),
		resource: in.lookup("resource"),
		dataID:   in.dataID(),
		id:       in.lookup("id"),
	}
}

func (in Inbound) lookup(key string) string {
	if v, ok := scalar(in.Body[key]); ok {
		return v
	}
	return strings.TrimSpace(in.Query.Get(key))
}

func (in Inbound) dataID() string {
	if data, ok := in.Body["data"].(map[string]any); ok {
		if v, ok := scalar(data["id"]); ok {
			return v
		}
	}
	if v, ok := scalar(in.Body["data.id"]); ok {
		return v
	}
	return strings.TrimSpace(in.Query.Get("data.id"))
}

// scalar renders strings and JSON numbers; objects, arrays, bools and
// non-integral numbers are rejected.
func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return t.String(), true
		}
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), true
		}
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

type rule struct {
	name    string
	extract func(fields) (string, bool)
}

var merchantOrderRules = []rule{
	{"topic-resource", func(f fields) (string, bool) {
		if f.topic != "merchant_order" {
			return "", false
		}
		return trailingID(f.resource)
	}},
}

var paymentRules = []rule{
	{"topic-resource", func(f fields) (string, bool) {
		if f.topic == "payment" && isNumeric(f.resource) {
			return f.resource, true
		}
		return "", false
	}},
	{"action-data-id", func(f fields) (string, bool) {
		if (f.action == "payment.created" || f.action == "payment.updated") && f.dataID != "" {
			return f.dataID, true
		}
		return "", false
	}},
	{"resource", func(f fields) (string, bool) { return trailingID(f.resource) }},
	{"data-id", func(f fields) (string, bool) { return f.dataID, f.dataID != "" }},
	{"id", func(f fields) (string, bool) { return f.id, f.id != "" }},
}

// Normalize classifies a delivery. It performs no I/O and never fails:
// anything unrecognized is KindUnhandled.
func Normalize(in Inbound) Event {
	f := in.fields()
	for _, r := range merchantOrderRules {
		if id, ok := r.extract(f); ok {
			return Event{Kind: KindMerchantOrder, ID: id, Rule: "merchant_order/" + r.name}
		}
	}
	if !isPaymentEvent(f) {
		return Event{Kind: KindUnhandled}
	}
	for _, r := range paymentRules {
		if id, ok := r.extract(f); ok {
			return Event{Kind: KindPayment, ID: id, Rule: "payment/" + r.name}
		}
	}
	return Event{Kind: KindUnhandled}
}

func isPaymentEvent(f fields) bool {
	return f.typ == "payment" || f.topic == "payment" || strings.HasPrefix(f.action, "payment.")
}

// trailingID accepts a bare numeric id or a URL whose last path segment is
// numeric, e.g. https://api.mercadolibre.com/merchant_orders/123.
func trailingID(resource string) (string, bool) {
	s := strings.TrimSpace(resource)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, "/")
	if isNumeric(s) {
		return s, true
	}
	i := strings.LastIndex(s, "/")
	if i < 0 {
		return "", false
	}
	if last := s[i+1:]; isNumeric(last) {
		return last, true
	}
	return "", false
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
