package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/metrics"
)

// Publisher delivers an encoded event. events.Producer implements it.
type Publisher interface {
	PublishRaw(ctx context.Context, topic, key string, value []byte) error
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// Relay polls unprocessed outbox rows and publishes them in creation order.
// Rows are claimed with FOR UPDATE SKIP LOCKED so replicas can run side by
// side.
type Relay struct {
	pool   *pgxpool.Pool
	pub    Publisher
	cfg    RelayConfig
	logger *log.Logger
}

func NewRelay(pool *pgxpool.Pool, pub Publisher, cfg RelayConfig, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{pool: pool, pub: pub, cfg: cfg, logger: logger}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Printf("[Outbox] Relay started (interval=%s batch=%d)", r.cfg.PollInterval, r.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			r.logger.Printf("[Outbox] Relay stopped")
			return
		case <-ticker.C:
			if n, err := r.ProcessBatch(ctx); err != nil {
				r.logger.Printf("[Outbox] Error processing messages: %v", err)
			} else if n > 0 {
				r.logger.Printf("[Outbox] Published %d messages", n)
			}
		}
	}
}

// ProcessBatch publishes one batch and marks the delivered rows processed.
// Delivery stops at the first publish failure; the remaining rows stay
// claimable for the next poll.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
        SELECT id, aggregate_id, event_type, topic, payload, created_at
        FROM outbox_messages
        WHERE processed_at IS NULL
        ORDER BY created_at
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    `, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to query outbox messages: %w", err)
	}

	var batch []Message
	for rows.Next() {
		var (
			m  Message
			id string
		)
		if err := rows.Scan(&id, &m.AggregateID, &m.EventType, &m.Topic, &m.Payload, &m.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("bad outbox id %q: %w", id, err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating outbox messages: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	delivered, pubErr := Deliver(ctx, r.pub, batch)
	now := time.Now().UTC()
	for _, m := range delivered {
		if _, err := tx.Exec(ctx, `UPDATE outbox_messages SET processed_at = $1 WHERE id = $2`, now, m.ID.String()); err != nil {
			return 0, fmt.Errorf("failed to mark outbox message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit outbox batch: %w", err)
	}
	return len(delivered), pubErr
}

// Deliver publishes messages in order and returns the prefix that succeeded.
func Deliver(ctx context.Context, pub Publisher, batch []Message) ([]Message, error) {
	for i, m := range batch {
		if err := pub.PublishRaw(ctx, m.Topic, m.AggregateID, m.Payload); err != nil {
			metrics.OutboxPublishedTotal.WithLabelValues("error").Inc()
			return batch[:i], errors.Join(fmt.Errorf("failed to publish outbox message %s (%s)", m.ID, m.EventType), err)
		}
		metrics.OutboxPublishedTotal.WithLabelValues("ok").Inc()
	}
	return batch, nil
}
