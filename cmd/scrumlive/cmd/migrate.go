package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/scrumlive/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the Postgres schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := postgres.Migrate(cfg.DatabaseURL, args[0]); err != nil {
			return fmt.Errorf("migrate %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("database-url", "", "Postgres connection string")
}
