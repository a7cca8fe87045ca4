package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/vpnledger/internal/domain"
)

func newRedeemCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "redeem <code> <account>",
		Short: "Redeem a gift code for an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			result, err := app.ledger.Redeem(ctx, args[0], domain.AccountID(args[1]))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "credited, balance until %s\n", result.BalanceUntil.UTC().Format(time.RFC3339))
			return nil
		},
	}
}
