package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "vpnledgerd",
		Short:         "vpnledgerd: VPN payment reconciliation and credential issuance",
		Long:          "vpnledgerd watches a Bitcoin wallet and a PayPal IPN endpoint, credits subscription time exactly once per payment, and keeps client certificates and the CRL in step with each account's paid balance.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	app, err := wireApp()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(app),
		newStatusCmd(app),
		newRedeemCmd(app),
		newRevokeCmd(app),
		newBundleCmd(app),
		newAddressCmd(app),
		newGiftCmd(app),
	)

	return rootCmd
}
