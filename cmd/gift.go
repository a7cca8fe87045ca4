package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/bnema/vpnledger/internal/domain"
)

func newGiftCmd(app *app) *cobra.Command {
	giftCmd := &cobra.Command{
		Use:   "gift",
		Short: "Manage gift codes",
	}

	var freeOnly bool
	newCmd := &cobra.Command{
		Use:   "new <months>",
		Short: "Create a single-use gift code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			months, err := decimal.NewFromString(args[0])
			if err != nil {
				return fmt.Errorf("parse months: %w", err)
			}
			if !months.IsPositive() {
				return fmt.Errorf("months must be positive")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			code := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
			if err := app.store.CreateGiftCode(ctx, domain.GiftCode{
				Code:     code,
				Months:   months,
				FreeOnly: freeOnly,
			}); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), code)
			return nil
		},
	}
	newCmd.Flags().BoolVar(&freeOnly, "free-only", false, "code is only redeemable by accounts with no paid balance")

	giftCmd.AddCommand(newCmd)
	return giftCmd
}
