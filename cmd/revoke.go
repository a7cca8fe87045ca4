package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/vpnledger/internal/domain"
)

func newRevokeCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <account>",
		Short: "Revoke all of an account's certificates and republish the CRL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			if err := app.issuer.RevokeAccount(ctx, domain.AccountID(args[0])); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "revoked")
			return nil
		},
	}
}
