package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/vpnledger/internal/domain"
)

func newBundleCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bundle <account>",
		Short: "Print an account's OpenVPN client bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			bundle, err := app.issuer.Bundle(ctx, domain.AccountID(args[0]))
			if err != nil {
				return err
			}

			_, err = fmt.Fprint(cmd.OutOrStdout(), bundle)
			return err
		},
	}
}
