package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nfrund/dmsync/internal/app"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check whether the configured store tracks message status",
	Long: `Connects to the configured store and runs the same status capability
probe a conversation session runs when it opens.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		supported, err := app.Probe(ctx, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "backend=%s status_tracking=%t\n", cfg.GetStoreBackend(), supported)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
