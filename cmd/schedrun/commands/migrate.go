package commands

import (
	"github.com/spf13/cobra"

	"github.com/mohans/schedrun/internal/errors"
	"github.com/mohans/schedrun/internal/logger"
)

// MigrateCmd applies the database schema.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	if err := store.Migrate(cmd.Context()); err != nil {
		return errors.Wrap(err, "migration failed")
	}
	logger.Logger.Infow("Schema up to date", "driver", cfg.Database.Driver)
	return nil
}
