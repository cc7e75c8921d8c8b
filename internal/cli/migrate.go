package cli

import (
	"fmt"

	"github.com/phrazzld/promised/internal/app"
	"github.com/phrazzld/promised/internal/platform/migrate"
	"github.com/spf13/cobra"
)

// MigrateCmd returns the migrate command and its subcommands.
func MigrateCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	run := func(name, short string, fn func(cmd *cobra.Command, db *app.Database) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				dbCfg := g.cfg.Database
				dbCfg.AutoMigrate = false
				db, err := app.OpenDatabase(cmd.Context(), dbCfg, g.logger)
				if err != nil {
					return err
				}
				defer func() { _ = db.DB.Close() }()
				return fn(cmd, db)
			},
		}
	}

	cmd.AddCommand(run("up", "Apply all pending migrations", func(cmd *cobra.Command, db *app.Database) error {
		if err := migrate.Up(cmd.Context(), db.DB, db.Migrations, g.logger); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Migrations applied")
		return nil
	}))
	cmd.AddCommand(run("down", "Roll back the most recent migration", func(cmd *cobra.Command, db *app.Database) error {
		if err := migrate.Down(cmd.Context(), db.DB, db.Migrations, g.logger); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Rolled back one migration")
		return nil
	}))
	cmd.AddCommand(run("status", "Show the state of every migration", func(cmd *cobra.Command, db *app.Database) error {
		return migrate.Status(cmd.Context(), db.DB, db.Migrations, g.logger)
	}))
	cmd.AddCommand(run("version", "Print the current schema version", func(cmd *cobra.Command, db *app.Database) error {
		v, err := migrate.Version(cmd.Context(), db.DB, db.Migrations, g.logger)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	}))
	return cmd
}
