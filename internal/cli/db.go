package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/bugfactory/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Event log database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer database.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Event log schema is up to date (%s).\n", database.Driver())
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the database (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to drop all run events without --yes")
		}
		database, err := db.Open(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer database.Close()
		if err := database.Reset(); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Event log reset.")
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm dropping all recorded events")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
