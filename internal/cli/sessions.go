package cli

import (
	"fmt"
	"time"

	"github.com/agentsh/actiond/pkg/types"
	"github.com/spf13/cobra"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect spawned process sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List running and recently finished sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newClient(cmd).ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			for _, ps := range s.Running {
				printSession(cmd, ps)
			}
			for _, ps := range s.Finished {
				printSession(cmd, ps)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show SESSION_ID",
		Short: "Show one session including its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := newClient(cmd).GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, ps)
		},
	})

	var signal string
	kill := &cobra.Command{
		Use:   "kill SESSION_ID",
		Short: "Signal a running session's process group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(cmd).KillSession(cmd.Context(), args[0], signal); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	kill.Flags().StringVar(&signal, "signal", "TERM", "TERM|KILL|INT|HUP")
	cmd.AddCommand(kill)

	return cmd
}

func printSession(cmd *cobra.Command, ps types.ProcessSession) {
	status := string(types.ProcessStatusRunning)
	if ps.Exited {
		status = string(ps.Status)
		if ps.ExitCode != nil {
			status = fmt.Sprintf("%s(%d)", status, *ps.ExitCode)
		} else if ps.ExitSignal != "" {
			status = fmt.Sprintf("%s(%s)", status, ps.ExitSignal)
		}
	}
	if ps.Recovered {
		status += " recovered"
	}
	started := time.UnixMilli(ps.StartedAtMs).Format(time.RFC3339)
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\t%s\t%s\n", ps.ID, ps.PID, status, started, ps.Command)
}
