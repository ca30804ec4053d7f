package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/notification"
)

type normalizedOutput struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
	Rule string `json:"rule,omitempty"`
}

// normalizeCmd classifies a captured delivery without touching any store or
// the provider.
func normalizeCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "normalize [body]",
		Short: "Classify a webhook delivery",
		Long: `Classify a webhook delivery the way the webhook endpoint does.

The JSON body is taken from the argument, or read from stdin when the
argument is "-" or omitted. Query parameters are passed with --query.

Examples:
  paymentctl normalize '{"type":"payment","data":{"id":"123"}}'
  paymentctl normalize --query 'topic=merchant_order&resource=https://api.mercadolibre.com/merchant_orders/9' ''`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := url.ParseQuery(query)
			if err != nil {
				return fmt.Errorf("invalid --query: %w", err)
			}
			var body []byte
			if len(args) == 0 || args[0] == "-" {
				if body, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return err
				}
			} else {
				body = []byte(args[0])
			}

			ev := notification.Normalize(notification.Parse(values, body))
			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(normalizedOutput{Kind: ev.Kind.String(), ID: ev.ID, Rule: ev.Rule})
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "raw query string of the delivery")
	return cmd
}
