package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nfrund/dmsync/internal/config"
	"github.com/nfrund/dmsync/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "dmsync",
	Short: "Real-time direct message sync server",
	Long: `dmsync hosts conversation sessions for direct-message clients over
WebSocket and serves the conversation and chat request API.

Available commands:
  serve      Start the HTTP and WebSocket server
  probe      Check whether the configured store tracks message status
  version    Print the version number

Use "dmsync [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.New()
	},
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads configuration and applies the flags shared by the
// commands that touch the store.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.StoreBackend = backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().String("backend", "", "store backend (memory|surreal), overrides STORE_BACKEND")
}
