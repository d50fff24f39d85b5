package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	log := setupLogger()
	mustValidate(log, cfg.Validate)

	// sqlite.New applies the schema.
	store := openStore(log)
	defer store.Close()

	log.Info().Str("db", cfg.DBPath).Msg("schema applied successfully")
	return nil
}
