package cli

import (
	"fmt"
	"time"

	"github.com/agentsh/actiond/internal/client"
	"github.com/agentsh/actiond/internal/config"
	"github.com/spf13/cobra"
)

func newTrashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "Manage files diverted by undo",
	}
	cmd.AddCommand(newTrashListCmd(), newTrashRestoreCmd(), newTrashPurgeCmd())
	return cmd
}

func newTrashListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List diverted files",
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run")
			asJSON, _ := cmd.Flags().GetBool("json")
			entries, err := newClient(cmd).ListTrash(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "trash empty")
				return nil
			}
			for _, e := range entries {
				age := time.Since(e.DivertedAt).Round(time.Second)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d bytes\t%s ago\n", e.Token, e.RunID, e.OriginalPath, e.Size, age)
			}
			return nil
		},
	}
	cmd.Flags().String("run", "", "filter by run id")
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func newTrashRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <token>",
		Short: "Restore a diverted file by token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, _ := cmd.Flags().GetString("dest")
			force, _ := cmd.Flags().GetBool("force")
			path, err := newClient(cmd).RestoreTrash(cmd.Context(), args[0], dest, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored to %s\n", path)
			return nil
		},
	}
	cmd.Flags().String("dest", "", "override restore destination")
	cmd.Flags().Bool("force", false, "overwrite destination if it exists")
	return cmd
}

func newTrashPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Purge trash entries by TTL, quota or run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetString("ttl")
			quotaStr, _ := cmd.Flags().GetString("quota")
			runID, _ := cmd.Flags().GetString("run")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			if ttl != "" {
				if _, err := time.ParseDuration(ttl); err != nil {
					return fmt.Errorf("parse ttl: %w", err)
				}
			}
			var quota int64
			if quotaStr != "" {
				var err error
				quota, err = config.ParseByteSize(quotaStr)
				if err != nil {
					return fmt.Errorf("parse quota: %w", err)
				}
			}

			res, err := newClient(cmd).PurgeTrash(cmd.Context(), client.PurgeRequest{
				TTL:        ttl,
				QuotaBytes: quota,
				RunID:      runID,
				DryRun:     dryRun,
			})
			if err != nil {
				return err
			}
			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d entr(y/ies), %d bytes\n", verb, len(res.Removed), res.BytesReclaimed)
			return nil
		},
	}
	cmd.Flags().String("ttl", "", "TTL (e.g. 168h); empty disables")
	cmd.Flags().String("quota", "", "Quota cap (e.g. 5GB); empty disables")
	cmd.Flags().String("run", "", "Only purge entries of a run")
	cmd.Flags().Bool("dry-run", false, "Report without deleting")
	return cmd
}
