package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/vpnledger/internal/domain"
)

func newAddressCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "address <deposit-address> <account>",
		Short: "Bind a crypto deposit address to an account",
		Long:  "Binds a wallet deposit address to an account so that confirmed deposits to it credit that account. The web frontend normally does this when it hands an address out.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			id := domain.AccountID(args[1])
			if _, err := app.store.GetByID(ctx, id); err != nil {
				return err
			}
			if err := app.store.AssignDepositAddress(ctx, args[0], id); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "bound %s to %s\n", args[0], id)
			return nil
		},
	}
}
