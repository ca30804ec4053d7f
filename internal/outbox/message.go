// Package outbox stores domain events next to the state change that caused
// them and relays them to Kafka afterwards.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/events"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/order"
)

type Message struct {
	ID          uuid.UUID  `json:"id"`
	AggregateID string     `json:"aggregate_id"`
	EventType   string     `json:"event_type"`
	Topic       string     `json:"topic"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// ForTransition builds the outbox message recording a payment transition.
func ForTransition(tr order.Transition) (Message, error) {
	env, err := events.PaymentEnvelope(tr)
	if err != nil {
		return Message{}, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	return Message{
		ID:          uuid.New(),
		AggregateID: env.AggregateID,
		EventType:   env.EventType,
		Topic:       events.TopicPayments,
		Payload:     payload,
		CreatedAt:   env.OccurredAt,
	}, nil
}
