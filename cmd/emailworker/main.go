package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/config"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/email"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/events"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(os.Stdout, "[email-worker] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader := events.NewReader(cfg.Kafka.Brokers, cfg.Kafka.EmailGroup, cfg.Kafka.PaymentsTopic)
	defer reader.Close()

	sender := email.PickSender(cfg.Email.SMTPHost, cfg.Email.SMTPPort, cfg.Email.From, logger)
	notifier := email.NewNotifier(sender, logger)

	logger.Printf("consuming %s (group=%s)", cfg.Kafka.PaymentsTopic, cfg.Kafka.EmailGroup)
	if err := consume(ctx, reader, notifier, logger); err != nil {
		logger.Fatalf("consumer stopped: %v", err)
	}
	logger.Println("stopped")
}

// consume commits every message once it was handled or given up on. Sends
// are retried with backoff; messages that can never be sent (bad JSON,
// missing recipient) are logged and skipped so they do not block the
// partition.
func consume(ctx context.Context, reader *kafka.Reader, notifier *email.Notifier, logger *log.Logger) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var evt events.Envelope
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Printf("bad json: %v; payload=%s", err, string(msg.Value))
		} else if err := deliver(ctx, notifier, evt); err != nil {
			logger.Printf("dropping key=%s eventType=%s: %v", string(msg.Key), evt.EventType, err)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Printf("commit error: %v", err)
		}
	}
}

func deliver(ctx context.Context, notifier *email.Notifier, evt events.Envelope) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 2 * time.Minute
	return backoff.Retry(func() error {
		err := notifier.Handle(ctx, evt)
		if errors.Is(err, email.ErrNoRecipient) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}
