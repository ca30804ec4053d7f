package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/restatedev/sdk-go/server"
	"go.uber.org/fx"

	internalapi "github.com/AnthonyGillesRudolfo/storefront-payments/internal/api"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/authz"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/checkout"
	appconfig "github.com/AnthonyGillesRudolfo/storefront-payments/internal/config"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/events"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/fetch"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/gateway"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/metrics"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/outbox"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/reconcile"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/resync"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/secrets"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/storage/memory"
	postgres "github.com/AnthonyGillesRudolfo/storefront-payments/internal/storage/postgres"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/telemetry"
)

// store is everything the service needs from persistence; both the
// Postgres repository and the in-memory store satisfy it.
type store interface {
	checkout.Store
	reconcile.OrderStore
	reconcile.EffectsStore
	internalapi.OrderReader
}

func main() {
	_ = godotenv.Load()

	bootCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := secrets.BootstrapFromOpenBao(bootCtx); err != nil {
		log.Printf("WARNING: failed to load secrets from OpenBao: %v", err)
	}
	cancel()

	app := fx.New(
		fx.Provide(
			appconfig.Load,
			newLogger,
			newStore,
			newGateway,
			newFetcher,
			newReconciler,
			newCheckout,
			newAuthz,
			newKafkaProducer,
			buildRestateServer,
		),
		fx.Invoke(
			func(logger *log.Logger, cfg appconfig.Config) {
				logger.Printf("Starting %s (store=%s)...", cfg.ServiceName, cfg.Store.Driver)
				metrics.Register()
			},
			setupTelemetry,
			registerWebServer,
			registerRestateServer,
			registerOutboxRelay,
		),
	)

	app.Run()
}

func newLogger(cfg appconfig.Config) *log.Logger {
	prefix := ""
	if cfg.ServiceName != "" {
		prefix = fmt.Sprintf("[%s] ", cfg.ServiceName)
	}
	logger := log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
	log.SetOutput(os.Stdout)
	log.SetFlags(logger.Flags())
	log.SetPrefix(prefix)
	return logger
}

func setupTelemetry(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger) {
	if !cfg.Telemetry.Enabled {
		return
	}
	var shutdown telemetry.Shutdown
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var err error
			shutdown, err = telemetry.InitTracer(ctx, cfg.ServiceName, cfg.Telemetry.TracesEndpoint, logger)
			if err != nil {
				logger.Printf("WARNING: tracing disabled: %v", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if shutdown != nil {
				return shutdown(ctx)
			}
			return nil
		},
	})
}

// newStore opens the configured persistence backend. Postgres is migrated on
// boot unless disabled.
func newStore(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger) (store, error) {
	if cfg.Store.Driver == appconfig.StoreDriverMemory {
		logger.Printf("Using in-memory store; data is lost on restart")
		return memory.New(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger.Printf("Connecting to PostgreSQL database %s@%s:%d", cfg.Database.Database, cfg.Database.Host, cfg.Database.Port)
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Store.MigrateOnBoot {
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	logger.Printf("Database connection established successfully")
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return db.Close() },
	})
	return postgres.NewRepository(db, logger), nil
}

func newGateway(cfg appconfig.Config, logger *log.Logger) *gateway.Client {
	if cfg.MercadoPago.AccessToken == "" {
		logger.Printf("WARNING: MERCADOPAGO_ACCESS_TOKEN is not set; provider calls will be rejected")
	}
	return gateway.New(gateway.Config{
		BaseURL:       cfg.MercadoPago.BaseURL,
		AccessToken:   cfg.MercadoPago.AccessToken,
		Timeout:       cfg.MercadoPago.Timeout,
		RatePerSecond: cfg.MercadoPago.RatePerSecond,
		Burst:         cfg.MercadoPago.RateBurst,
	}, logger)
}

func newFetcher(gw *gateway.Client, cfg appconfig.Config, logger *log.Logger) *fetch.Fetcher {
	return fetch.New(gw, fetch.Config{
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BaseDelay:   cfg.Fetch.BaseDelay,
		Strategy:    cfg.Fetch.Strategy,
	}, logger, fetch.WithObserver(metrics.ObserveFetchAttempt))
}

func newReconciler(cfg appconfig.Config, gw *gateway.Client, f *fetch.Fetcher, st store, logger *log.Logger) *reconcile.Service {
	return reconcile.NewService(gw, f, st, reconcile.NewApplier(st, logger), logger,
		reconcile.WithEffectsTimeout(cfg.Reconcile.EffectsTimeout))
}

func newAuthz() authz.Authorizer {
	return authz.NewFromEnv()
}

func newCheckout(st store, gw *gateway.Client, az authz.Authorizer, cfg appconfig.Config, logger *log.Logger) *checkout.Service {
	return checkout.NewService(st, gw, az, checkout.Config{
		NotificationURL:      cfg.MercadoPago.NotificationURL,
		FrontendURL:          cfg.MercadoPago.FrontendURL,
		MaxInstallments:      cfg.MercadoPago.MaxInstallments,
		ExcludedPaymentTypes: cfg.MercadoPago.ExcludedPaymentTypes,
	}, logger)
}

// newKafkaProducer constructs a shared Kafka producer and binds its lifecycle to Fx.
func newKafkaProducer(cfg appconfig.Config, lc fx.Lifecycle) *events.Producer {
	prod := events.NewProducer(cfg.Kafka.Brokers)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return prod.Close()
		},
	})
	return prod
}

func registerWebServer(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger, shutdowner fx.Shutdowner,
	rec *reconcile.Service, co *checkout.Service, st store, az authz.Authorizer) {
	mux := internalapi.NewMux(internalapi.Deps{
		Reconciler: rec,
		Checkout:   co,
		Orders:     st,
		Authz:      az,
		RuntimeURL: cfg.Restate.RuntimeURL,
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           withCORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Printf("HTTP API listening on %s (webhook at /api/payments/webhook)", cfg.HTTP.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Printf("HTTP server error: %v", err)
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	})
}

func buildRestateServer(rec *reconcile.Service, logger *log.Logger) *server.Restate {
	return server.NewRestate().
		Bind(resync.New(rec, logger).Definition())
}

func registerRestateServer(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger, shutdowner fx.Shutdowner, srv *server.Restate) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Println("Restate server listening on", cfg.Restate.ListenAddr)
			logger.Printf("  - %s: VIRTUAL OBJECT (keyed by payment ID)", resync.ServiceName)
			displayRestateAddr := cfg.Restate.ListenAddr
			if strings.HasPrefix(displayRestateAddr, ":") {
				displayRestateAddr = "localhost" + displayRestateAddr
			}
			logger.Printf("Register with Restate: restate deployments register http://%s", displayRestateAddr)

			go func() {
				defer close(done)
				if err := srv.Start(ctx, cfg.Restate.ListenAddr); err != nil && !errors.Is(err, context.Canceled) {
					logger.Printf("Restate server error: %v", err)
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

// registerOutboxRelay publishes committed payment transitions to Kafka. It
// only runs against Postgres, where the outbox table lives.
func registerOutboxRelay(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger, prod *events.Producer) error {
	if !cfg.Outbox.Enabled || cfg.Store.Driver != appconfig.StoreDriverPostgres {
		logger.Printf("[Outbox] Relay disabled")
		return nil
	}
	pool, err := pgxpool.New(context.Background(), cfg.Database.URL())
	if err != nil {
		return fmt.Errorf("failed to create outbox pool: %w", err)
	}
	relay := outbox.NewRelay(pool, prod, outbox.RelayConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				relay.Run(ctx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			pool.Close()
			return nil
		},
	})
	return nil
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
