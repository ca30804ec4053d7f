package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type Producer struct{ w *kafka.Writer }

func NewProducer(brokers []string) *Producer {
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	return &Producer{
		w: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Balancer: &kafka.Hash{}, // partition by Kafka message key
		}),
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Envelope is the event schema published to Kafka.
// Keep it small and stable.
type Envelope struct {
	EventType    string          `json:"eventType"`
	EventVersion string          `json:"eventVersion"`
	OccurredAt   time.Time       `json:"occurredAt"`
	AggregateID  string          `json:"aggregateId"` // order id
	Data         json.RawMessage `json:"data"`
}

// Publish writes a single message to Kafka.
// 'key' is the Kafka partition key (use orderId to keep per-order ordering).
func (p *Producer) Publish(ctx context.Context, topic, key string, evt Envelope) error {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	val, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", evt.EventType, err)
	}
	return p.PublishRaw(ctx, topic, key, val)
}

// PublishRaw writes an already encoded envelope.
func (p *Producer) PublishRaw(ctx context.Context, topic, key string, value []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

// NewReader builds a consumer-group reader over the given topics.
func NewReader(brokers []string, groupID string, topics ...string) *kafka.Reader {
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupTopics: topics,
		GroupID:     groupID,
		MinBytes:    1e3,
		MaxBytes:    10e6,
	})
}
