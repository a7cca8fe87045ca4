package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bnema/vpnledger/internal/domain"
)

func newStatusCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <account>",
		Short: "Show an account's subscription state and certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			id := domain.AccountID(args[0])
			account, err := app.store.GetByID(ctx, id)
			if err != nil {
				return err
			}

			now := time.Now()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "account:  %s\n", account.ID)
			fmt.Fprintf(out, "state:    %s\n", account.StateAt(now, app.cfg.GraceWindow))
			if account.BalanceUntil.IsZero() {
				fmt.Fprintln(out, "balance:  none")
			} else {
				fmt.Fprintf(out, "balance:  until %s\n", account.BalanceUntil.UTC().Format(time.RFC3339))
			}

			cert, err := app.store.CurrentForAccount(ctx, id, now)
			switch {
			case errors.Is(err, domain.ErrCertificateNotFound):
				fmt.Fprintln(out, "cert:     none")
			case err != nil:
				return err
			default:
				fmt.Fprintf(out, "cert:     serial %d, expires %s\n", cert.Serial, cert.NotAfter.UTC().Format(time.RFC3339))
			}

			return nil
		},
	}
}
