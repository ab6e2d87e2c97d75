package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/agentsh/actiond/internal/config"
	"github.com/agentsh/actiond/internal/server"
	"github.com/spf13/cobra"
)

var defaultConfigPaths = []string{"actiond.yaml", "actiond.yml", "/etc/actiond/actiond.yaml"}

func newServerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the actiond daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := loadServerConfig(configPath)
			if err != nil {
				return err
			}

			s, err := server.New(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			slog.Info("actiond starting", "addr", s.Addr(), "data_dir", cfg.DataDir)
			fmt.Fprintf(cmd.OutOrStdout(), "actiond listening on %s\n", s.Addr())
			return s.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", getenvDefault("ACTIOND_CONFIG", ""), "Path to config YAML (default: ./actiond.yaml or /etc/actiond/actiond.yaml)")
	return cmd
}

// loadServerConfig falls back to built-in defaults when no file is given
// and none of the default locations exist.
func loadServerConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	return config.Default(), nil
}
