package cli

import (
	"fmt"

	"github.com/agentsh/actiond/internal/approvals"
	"github.com/spf13/cobra"
)

func newTOTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "totp",
		Short: "Manage the TOTP secret used to resolve approvals",
	}

	var account string
	setup := &cobra.Command{
		Use:   "setup",
		Short: "Generate a secret and print an enrollment QR code",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := approvals.GenerateTOTPSecret()
			if err != nil {
				return err
			}
			if err := approvals.DisplayTOTPSetup(cmd.OutOrStdout(), account, secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Add to the daemon config:\n\napprovals:\n  transports: [api, totp]\n  totp_secret: %s\n", secret)
			return nil
		},
	}
	setup.Flags().StringVar(&account, "account", "approver", "Account label shown in the authenticator app")
	cmd.AddCommand(setup)
	return cmd
}
