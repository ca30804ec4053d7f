package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/fetch"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/reconcile"
	postgres "github.com/AnthonyGillesRudolfo/storefront-payments/internal/storage/postgres"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config aggregates runtime configuration grouped by concern.
type Config struct {
	ServiceName string
	HTTP        HTTPConfig
	Restate     RestateConfig
	Kafka       KafkaConfig
	Database    postgres.DatabaseConfig
	Store       StoreConfig
	MercadoPago MercadoPagoConfig
	Fetch       FetchConfig
	Reconcile   ReconcileConfig
	Outbox      OutboxConfig
	Email       EmailConfig
	Telemetry   TelemetryConfig
}

type HTTPConfig struct {
	Addr string
}

type RestateConfig struct {
	ListenAddr string
	RuntimeURL string
}

type KafkaConfig struct {
	Brokers       []string
	PaymentsTopic string
	EmailGroup    string
}

type StoreConfig struct {
	Driver        string
	MigrateOnBoot bool
}

type MercadoPagoConfig struct {
	AccessToken          string
	BaseURL              string
	NotificationURL      string
	FrontendURL          string
	Timeout              time.Duration
	RatePerSecond        float64
	RateBurst            int
	MaxInstallments      int
	ExcludedPaymentTypes []string
}

type ReconcileConfig struct {
	EffectsTimeout time.Duration
}

type FetchConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Strategy    string
}

type OutboxConfig struct {
	Enabled      bool
	PollInterval time.Duration
	BatchSize    int
}

type EmailConfig struct {
	SMTPHost string
	SMTPPort string
	From     string
}

type TelemetryConfig struct {
	Enabled        bool
	TracesEndpoint string
}

// Load reads configuration from environment variables, applying sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ServiceName: getEnv("SERVICE_NAME", "storefront-payments"),
		HTTP: HTTPConfig{
			Addr: getEnv("HTTP_LISTEN_ADDR", ":3000"),
		},
		Restate: RestateConfig{
			ListenAddr: getEnv("RESTATE_LISTEN_ADDR", ":9081"),
			RuntimeURL: getEnv("RESTATE_RUNTIME_URL", "http://127.0.0.1:8080"),
		},
		Kafka: KafkaConfig{
			Brokers:       splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092")),
			PaymentsTopic: getEnv("KAFKA_PAYMENTS_TOPIC", "payments.v1"),
			EmailGroup:    getEnv("KAFKA_EMAIL_GROUP_ID", "email-workers"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		},
		MercadoPago: MercadoPagoConfig{
			AccessToken:          getEnv("MERCADOPAGO_ACCESS_TOKEN", ""),
			BaseURL:              getEnv("MERCADOPAGO_BASE_URL", "https://api.mercadopago.com"),
			NotificationURL:      getEnv("MERCADOPAGO_NOTIFICATION_URL", ""),
			FrontendURL:          strings.TrimRight(getEnv("FRONTEND_URL", "http://localhost:5173"), "/"),
			ExcludedPaymentTypes: splitAndTrim(getEnv("MERCADOPAGO_EXCLUDED_PAYMENT_TYPES", "")),
		},
		Fetch: FetchConfig{
			Strategy: strings.ToLower(getEnv("PAYMENT_FETCH_STRATEGY", fetch.StrategyLinear)),
		},
		Email: EmailConfig{
			SMTPHost: getEnv("SMTP_HOST", ""),
			SMTPPort: getEnv("SMTP_PORT", "1025"),
			From:     getEnv("SMTP_FROM", "no-reply@example.local"),
		},
		Telemetry: TelemetryConfig{
			TracesEndpoint: getEnv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "http://localhost:4318/v1/traces"),
		},
	}

	var err error
	port, err := getInt("STORE_DB_PORT", 5432)
	if err != nil {
		return Config{}, err
	}
	cfg.Database = postgres.DatabaseConfig{
		Host:     getEnv("STORE_DB_HOST", "localhost"),
		Port:     port,
		Database: getEnv("STORE_DB_NAME", "storefront"),
		User:     getEnv("STORE_DB_USER", "storefront"),
		Password: getEnv("STORE_DB_PASSWORD", ""),
		SSLMode:  getEnv("STORE_DB_SSLMODE", "disable"),
	}

	if cfg.Store.MigrateOnBoot, err = getBool("STORE_MIGRATE_ON_BOOT", true); err != nil {
		return Config{}, err
	}
	if cfg.MercadoPago.Timeout, err = getDuration("MERCADOPAGO_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.MercadoPago.RatePerSecond, err = getFloat("MERCADOPAGO_RATE_PER_SECOND", 10); err != nil {
		return Config{}, err
	}
	if cfg.MercadoPago.RateBurst, err = getInt("MERCADOPAGO_RATE_BURST", 5); err != nil {
		return Config{}, err
	}
	if cfg.MercadoPago.MaxInstallments, err = getInt("MERCADOPAGO_MAX_INSTALLMENTS", 0); err != nil {
		return Config{}, err
	}
	if cfg.Fetch.MaxAttempts, err = getInt("PAYMENT_FETCH_MAX_ATTEMPTS", fetch.DefaultMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.Fetch.BaseDelay, err = getDuration("PAYMENT_FETCH_BASE_DELAY", fetch.DefaultBaseDelay); err != nil {
		return Config{}, err
	}
	if cfg.Reconcile.EffectsTimeout, err = getDuration("RECONCILE_EFFECTS_TIMEOUT", reconcile.DefaultEffectsTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Outbox.Enabled, err = getBool("OUTBOX_RELAY_ENABLED", true); err != nil {
		return Config{}, err
	}
	if cfg.Outbox.PollInterval, err = getDuration("OUTBOX_POLL_INTERVAL", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Outbox.BatchSize, err = getInt("OUTBOX_BATCH_SIZE", 100); err != nil {
		return Config{}, err
	}
	if cfg.Telemetry.Enabled, err = getBool("OTEL_ENABLED", true); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Fetch.Strategy {
	case fetch.StrategyLinear, fetch.StrategyExponential:
	default:
		return fmt.Errorf("unknown PAYMENT_FETCH_STRATEGY %q", c.Fetch.Strategy)
	}
	if c.MercadoPago.RateBurst < 1 {
		return fmt.Errorf("MERCADOPAGO_RATE_BURST must be at least 1, got %d", c.MercadoPago.RateBurst)
	}
	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("PAYMENT_FETCH_MAX_ATTEMPTS must be at least 1, got %d", c.Fetch.MaxAttempts)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

// getDuration accepts Go durations ("3s") or a bare number of milliseconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
