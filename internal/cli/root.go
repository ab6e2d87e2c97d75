// Package cli holds the actiond cobra commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/agentsh/actiond/internal/client"
	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "actiond",
		Short:         "actiond: capability, approval and undo gate for agent actions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("actiond {{.Version}}\n")

	cmd.PersistentFlags().String("server", getenvDefault("ACTIOND_SERVER", "http://127.0.0.1:7420"), "actiond server base URL")
	cmd.PersistentFlags().String("api-key", getenvDefault("ACTIOND_API_KEY", ""), "API key")
	cmd.PersistentFlags().String("api-key-header", getenvDefault("ACTIOND_API_KEY_HEADER", "X-API-Key"), "Header the API key is sent in")
	cmd.PersistentFlags().Duration("timeout", 5*time.Minute, "Per-request timeout")

	cmd.AddCommand(newServerCmd())
	cmd.AddCommand(newToolsCmd())
	cmd.AddCommand(newInvokeCmd())
	cmd.AddCommand(newApproveCmd())
	cmd.AddCommand(newUndoCmd())
	cmd.AddCommand(newActionsCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newCapsCmd())
	cmd.AddCommand(newTrashCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newTOTPCmd())

	return cmd
}

func newClient(cmd *cobra.Command) *client.Client {
	flags := cmd.Root().PersistentFlags()
	addr, _ := flags.GetString("server")
	key, _ := flags.GetString("api-key")
	header, _ := flags.GetString("api-key-header")
	timeout, _ := flags.GetDuration("timeout")
	if addr == "" {
		addr = "http://127.0.0.1:7420"
	}
	return client.New(addr, key, client.WithHeaderName(header), client.WithTimeout(timeout))
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
