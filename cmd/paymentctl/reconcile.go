package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/fetch"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/gateway"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/notification"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/reconcile"
	postgres "github.com/AnthonyGillesRudolfo/storefront-payments/internal/storage/postgres"
)

type reconcileOutput struct {
	Outcome        string `json:"outcome"`
	PaymentID      string `json:"payment_id,omitempty"`
	OrderID        string `json:"order_id,omitempty"`
	Status         string `json:"status,omitempty"`
	PreviousStatus string `json:"previous_status,omitempty"`
	Fallback       string `json:"fallback,omitempty"`
	EffectsApplied bool   `json:"effects_applied"`
	EffectsError   string `json:"effects_error,omitempty"`
}

// reconcileCmd runs the webhook pipeline for one id against the configured
// database and provider, bypassing HTTP and Restate.
func reconcileCmd() *cobra.Command {
	var (
		merchantOrder bool
		attempts      int
		verbose       bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile [payment-id]",
		Short: "Reconcile one payment (or merchant order) now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(os.Stderr, verbose)
			ctx := contextOf(cmd)

			db, err := postgres.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			repo := postgres.NewRepository(db, logger)

			gw := gateway.New(gateway.Config{
				BaseURL:       cfg.MercadoPago.BaseURL,
				AccessToken:   cfg.MercadoPago.AccessToken,
				Timeout:       cfg.MercadoPago.Timeout,
				RatePerSecond: cfg.MercadoPago.RatePerSecond,
				Burst:         cfg.MercadoPago.RateBurst,
			}, logger)
			fcfg := fetch.Config{MaxAttempts: cfg.Fetch.MaxAttempts, BaseDelay: cfg.Fetch.BaseDelay, Strategy: cfg.Fetch.Strategy}
			if attempts > 0 {
				fcfg.MaxAttempts = attempts
			}
			svc := reconcile.NewService(gw, fetch.New(gw, fcfg, logger), repo, reconcile.NewApplier(repo, logger), logger,
				reconcile.WithEffectsTimeout(cfg.Reconcile.EffectsTimeout))

			ev := notification.Payment(args[0])
			if merchantOrder {
				ev = notification.MerchantOrder(args[0])
			}
			res, err := svc.Handle(ctx, ev)
			if errors.Is(err, fetch.ErrPaymentNotFound) {
				return fmt.Errorf("payment %s not found after %d attempts", args[0], fcfg.MaxAttempts)
			}
			if err != nil {
				return err
			}

			out := reconcileOutput{
				Outcome:   string(res.Outcome),
				PaymentID: res.PaymentID,
				OrderID:   res.OrderID,
				Status:    res.Status,
				Fallback:  res.Fallback,
			}
			if res.Transition != nil {
				out.PreviousStatus = res.Transition.PreviousStatus
			}
			if res.Effects != nil {
				out.EffectsApplied = res.Effects.Applied
				if res.Effects.Err != nil {
					out.EffectsError = res.Effects.Err.Error()
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVarP(&merchantOrder, "merchant-order", "m", false, "treat the id as a merchant order id")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "override the fetch attempt bound")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline steps to stderr")
	return cmd
}
