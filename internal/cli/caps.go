package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newCapsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caps",
		Short: "Inspect and change capability grants",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list SCOPE",
		Short: "List the grants of a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			grants, err := newClient(cmd).ListGrants(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, g := range grants {
				fmt.Fprintln(cmd.OutOrStdout(), g)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check SCOPE CAPABILITY...",
		Short: "Report which capabilities the scope holds",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient(cmd).CheckCapabilities(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			for _, c := range res.Granted {
				fmt.Fprintf(cmd.OutOrStdout(), "granted\t%s\n", c)
			}
			for _, c := range res.Denied {
				fmt.Fprintf(cmd.OutOrStdout(), "denied\t%s\n", c)
			}
			if len(res.Denied) > 0 {
				return fmt.Errorf("denied: %s", strings.Join(res.Denied, ", "))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "grant SCOPE PATTERN...",
		Short: "Grant capability patterns to a scope",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			grants, err := newClient(cmd).Grant(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			return printJSON(cmd, grants)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke SCOPE PATTERN...",
		Short: "Revoke capability patterns from a scope",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			grants, err := newClient(cmd).Revoke(cmd.Context(), args[0], args[1:])
			if err != nil {
				return err
			}
			return printJSON(cmd, grants)
		},
	})

	return cmd
}
