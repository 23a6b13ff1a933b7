package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicerelay/internal/app"
	"github.com/ent0n29/voicerelay/internal/journal"
	"github.com/ent0n29/voicerelay/internal/profile"
)

func newProfilesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage provisioned session profiles",
	}
	cmd.AddCommand(newProfilesImportCommand(ctx))
	return cmd
}

func newProfilesImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import <profiles.yaml>",
		Short: "Upsert every profile from a YAML file into Postgres",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseDriver() != "postgres" {
				return fmt.Errorf("profiles import needs a postgres DATABASE_URL")
			}

			file, err := profile.LoadFile(args[0])
			if err != nil {
				return err
			}
			store, err := app.OpenJournal(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			pg, ok := store.(*journal.PostgresStore)
			if !ok {
				return fmt.Errorf("journal store %T does not hold profiles", store)
			}

			profiles := profile.NewPostgresStore(pg.Pool())
			all := file.All()
			for _, p := range all {
				if err := profiles.Upsert(cmd.Context(), p); err != nil {
					return fmt.Errorf("profile %q: %w", p.SessionKey, err)
				}
				ctx.logger.Info("profile imported", "session_key", p.SessionKey, "tools", len(p.Tools))
			}
			if _, ok := file.Default(); ok {
				ctx.logger.Warn("default profile in file is not imported; set PROFILES_FILE or DEFAULT_* env to use it")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d profiles\n", len(all))
			return nil
		},
	}
}
