package cli

import (
	"fmt"
	"strconv"

	"github.com/agentsh/actiond/pkg/types"
	"github.com/spf13/cobra"
)

func newUndoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "undo",
		Short: "Reverse journaled actions",
	}
	cmd.AddCommand(newUndoActionCmd(), newUndoLastCmd(), newUndoAllCmd(), newUndoListCmd())
	return cmd
}

func newUndoActionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "action ACTION_ID",
		Short: "Undo one action by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient(cmd).UndoAction(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printUndoResults(cmd, res)
		},
	}
}

func newUndoLastCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "last [N]",
		Short: "Undo the N most recent undoable actions, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 1
			if len(args) == 1 {
				v, err := strconv.Atoi(args[0])
				if err != nil || v < 1 {
					return fmt.Errorf("N must be a positive integer")
				}
				n = v
			}
			res, err := newClient(cmd).UndoLast(cmd.Context(), n, runID)
			if err != nil {
				return err
			}
			return printUndoResults(cmd, res)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Only actions of this run")
	return cmd
}

func newUndoAllCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Undo every undoable action, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient(cmd).UndoAll(cmd.Context(), runID)
			if err != nil {
				return err
			}
			return printUndoResults(cmd, res)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Only actions of this run")
	return cmd
}

func newUndoListCmd() *cobra.Command {
	var runID string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List undoable actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := newClient(cmd).ListUndoable(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, recs)
			}
			return printActions(cmd, recs)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Only actions of this run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

// printUndoResults returns an error when any result failed so the exit
// status reflects partial failure.
func printUndoResults(cmd *cobra.Command, results []types.UndoResult) error {
	failed := 0
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "FAILED: " + r.Error
			failed++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", r.ActionID, r.ToolName, status)
	}
	if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to undo")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d undo(s) failed", failed, len(results))
	}
	return nil
}

func printActions(cmd *cobra.Command, recs []types.ActionRecord) error {
	if len(recs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no actions")
		return nil
	}
	for _, r := range recs {
		state := "undoable"
		switch {
		case r.UndoneAt != nil:
			state = "undone"
		case r.Error != "":
			state = "failed"
		case !r.Undoable:
			state = "final"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\t%s\n", r.Seq, r.ID, r.RunID, r.ToolName, state)
	}
	return nil
}
