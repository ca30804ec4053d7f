package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/authz"
)

// seedAuthzCmd writes the baseline OpenFGA tuples and verifies them.
func seedAuthzCmd() *cobra.Command {
	var (
		admins []string
		buyer  string
		order  string
	)
	cmd := &cobra.Command{
		Use:   "seed-authz",
		Short: "Seed OpenFGA tuples for store viewers and an example buyer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api := os.Getenv("OPENFGA_API_URL")
			if api == "" {
				api = "http://localhost:8081"
			}
			store := os.Getenv("OPENFGA_STORE_ID")
			if store == "" {
				return fmt.Errorf("OPENFGA_STORE_ID not set. Create a store and export its ID")
			}
			return seedAuthz(cmd, authz.NewOpenFGA(api, store), admins, buyer, order)
		},
	}
	cmd.Flags().StringSliceVar(&admins, "admin", []string{"alice"}, "users granted viewer on store:default")
	cmd.Flags().StringVar(&buyer, "buyer", "charlie", "example buyer")
	cmd.Flags().StringVar(&order, "order", "ord123", "example order id owned by the buyer")
	return cmd
}

func seedAuthz(cmd *cobra.Command, az authz.Authorizer, admins []string, buyer, order string) error {
	ctx := contextOf(cmd)
	var tuples []authz.Tuple
	for _, a := range admins {
		tuples = append(tuples, authz.Tuple{User: authz.User(a), Relation: "viewer", Object: "store:default"})
	}
	if buyer != "" && order != "" {
		tuples = append(tuples, authz.Tuple{User: authz.User(buyer), Relation: "buyer", Object: "order:" + order})
	}
	if err := az.Write(ctx, tuples...); err != nil {
		return fmt.Errorf("write tuples: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d tuples\n", len(tuples))

	for _, tk := range tuples {
		allowed, err := az.Check(ctx, tk.User, tk.Object, tk.Relation)
		if err != nil {
			return fmt.Errorf("check %s %s %s: %w", tk.User, tk.Relation, tk.Object, err)
		}
		if !allowed {
			return fmt.Errorf("check %s %s %s: denied after write", tk.User, tk.Relation, tk.Object)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), "authz seed verification passed")
	return nil
}
