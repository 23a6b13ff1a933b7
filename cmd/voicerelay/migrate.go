package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicerelay/internal/app"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply journal schema migrations to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			driver := cfg.DatabaseDriver()
			if driver == "memory" {
				return fmt.Errorf("DATABASE_URL is not set; nothing to migrate")
			}
			// Opening a durable store applies pending migrations.
			store, err := app.OpenJournal(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			versioned, ok := store.(interface {
				SchemaVersion(context.Context) (int64, error)
			})
			if !ok {
				return fmt.Errorf("journal store %T has no schema", store)
			}
			version, err := versioned.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s journal schema at version %d\n", driver, version)
			return nil
		},
	}
}
