// Package commands implements the erpidctl administration commands.
package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"erpid.org/internal/app"
	"erpid.org/internal/config"
	"erpid.org/internal/obs"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "erpidctl",
	Short: "Administer erpid principals and permissions",
	Long: `erpidctl talks directly to the configured stores. It reads the same
config file and ERPID_* environment as the API server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("ERPID_CONFIG"), "Path to YAML config")
	rootCmd.AddCommand(permissionsCmd, bootstrapAdminCmd, inviteCmd, disableCmd, enableCmd, listCmd)
}

// openCore loads configuration and wires the services. Callers must Shutdown
// the returned app.
func openCore(ctx context.Context, opts ...app.Option) (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	obs.Configure("warn", cfg.Logging.Format)
	return app.Build(ctx, cfg, opts...)
}
