package cli

import (
	"fmt"
	"time"

	"github.com/agentsh/actiond/pkg/types"
	"github.com/spf13/cobra"
)

func newApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "List/resolve pending approvals",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			pending, err := newClient(cmd).ListApprovals(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending approvals")
				return nil
			}
			for _, rec := range pending {
				left := time.Until(time.UnixMilli(rec.ExpiresAtMs)).Round(time.Second)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s left\n", rec.ID, rec.Request.SessionKey, rec.Request.Command, left)
			}
			return nil
		},
	})

	var allowOnce, allowAlways, deny bool
	var code string
	resolveCmd := &cobra.Command{
		Use:   "resolve APPROVAL_ID",
		Short: "Approve or deny a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := pickDecision(allowOnce, allowAlways, deny)
			if err != nil {
				return err
			}
			if err := newClient(cmd).ResolveApproval(cmd.Context(), args[0], decision, code); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], decision)
			return nil
		},
	}
	resolveCmd.Flags().BoolVar(&allowOnce, "allow", false, "Allow this request once")
	resolveCmd.Flags().BoolVar(&allowAlways, "allow-always", false, "Allow and stop asking for this capability in the run")
	resolveCmd.Flags().BoolVar(&deny, "deny", false, "Deny")
	resolveCmd.Flags().StringVar(&code, "code", "", "TOTP code, when the daemon requires one")
	cmd.AddCommand(resolveCmd)

	return cmd
}

func pickDecision(allowOnce, allowAlways, deny bool) (types.ApprovalDecision, error) {
	n := 0
	var d types.ApprovalDecision
	if allowOnce {
		n++
		d = types.DecisionAllowOnce
	}
	if allowAlways {
		n++
		d = types.DecisionAllowAlways
	}
	if deny {
		n++
		d = types.DecisionDeny
	}
	if n != 1 {
		return "", fmt.Errorf("choose exactly one of --allow, --allow-always or --deny")
	}
	return d, nil
}
