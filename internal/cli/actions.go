package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/agentsh/actiond/internal/dispatch"
	"github.com/spf13/cobra"
)

func newToolsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the daemon can run",
		RunE: func(cmd *cobra.Command, args []string) error {
			tools, err := newClient(cmd).Tools(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, tools)
			}
			for _, t := range tools {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", t.Name, t.Category)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON including argument schemas")
	return cmd
}

func newInvokeCmd() *cobra.Command {
	var (
		runID   string
		agentID string
		cwd     string
		rawArgs []string
	)
	cmd := &cobra.Command{
		Use:   "invoke TOOL",
		Short: "Run a tool through the capability, approval and journal pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := parseToolArgs(rawArgs)
			if err != nil {
				return err
			}
			res, err := newClient(cmd).Invoke(cmd.Context(), dispatch.Invocation{
				RunID:   runID,
				AgentID: agentID,
				Tool:    args[0],
				Args:    toolArgs,
				Cwd:     cwd,
			})
			if err != nil {
				return err
			}
			if res.Output != "" {
				fmt.Fprint(cmd.OutOrStdout(), res.Output)
				if !strings.HasSuffix(res.Output, "\n") {
					fmt.Fprintln(cmd.OutOrStdout())
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "action %s (seq %d, undoable=%t)\n", res.Record.ID, res.Record.Seq, res.Record.Undoable)
			if res.Error != "" {
				return fmt.Errorf("%s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", getenvDefault("ACTIOND_RUN_ID", ""), "Run id (capability scope)")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id shown to approvers")
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory for relative paths")
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "Tool argument key=value (repeatable; true/false become booleans)")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func parseToolArgs(raw []string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --arg %q (want key=value)", kv)
		}
		switch v {
		case "true", "false":
			out[k] = v == "true"
		default:
			out[k] = v
		}
	}
	return out, nil
}

func newActionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Inspect the action journal",
	}

	var runID string
	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List journaled actions in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := newClient(cmd).ListActions(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, recs)
			}
			return printActions(cmd, recs)
		},
	}
	list.Flags().StringVar(&runID, "run", "", "Only actions of this run")
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.AddCommand(list)
	return cmd
}

func newEventsCmd() *cobra.Command {
	var (
		runID    string
		types    string
		since    string
		pathLike string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Search stored events",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			set := func(k, v string) {
				if v != "" {
					q.Set(k, v)
				}
			}
			set("run_id", runID)
			set("type", types)
			set("since", since)
			set("path_like", pathLike)
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			evs, err := newClient(cmd).SearchEvents(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJSON(cmd, evs)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Run id")
	cmd.Flags().StringVar(&types, "type", "", "Comma-separated event types")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 time or duration ago (e.g. 1h)")
	cmd.Flags().StringVar(&pathLike, "path", "", "Path substring")
	cmd.Flags().IntVar(&limit, "limit", 100, "Max events")
	return cmd
}
